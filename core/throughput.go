package core

import "math"

// Airtime constants for 802.11 OFDM contention.
const (
	cwMin      = 15.0
	slotMicros = 9.0
	// noiseFloorDBm turns a downlink RSSI into an SNR.
	noiseFloorDBm = -90.0
	// frameEfficiency is the share of successful deliveries assumed by
	// the throughput estimate.
	frameEfficiency = 0.98
)

// Fittingness shaping parameters.
const (
	ffShaping = 5.0
	ffK       = 1.0
	ffMine    = 1.3
)

// TransmissionTime returns (t, T) in microseconds for a PHY rate in kbps:
// t is the full exchange time and T the payload portion.
func TransmissionTime(rateKbps float64) (t, payload float64) {
	switch {
	case rateKbps >= 54000:
		return 326, 228
	case rateKbps >= 48000:
		return 354, 256
	case rateKbps >= 36000:
		return 442, 344
	case rateKbps >= 24000:
		return 610, 512
	case rateKbps >= 18000:
		return 786, 684
	case rateKbps >= 12000:
		return 1126, 1024
	case rateKbps >= 9000:
		return 1478, 1364
	default:
		return 2158, 2044
	}
}

// OFDMRate maps an SNR in dB to the highest sustainable 802.11a/g rate
// in kbps, or 0 when the link cannot be sustained.
func OFDMRate(snr float64) float64 {
	switch {
	case snr > 21:
		return 54000
	case snr >= 20:
		return 48000
	case snr >= 16:
		return 36000
	case snr >= 12:
		return 24000
	case snr >= 9:
		return 18000
	case snr >= 7:
		return 12000
	case snr >= 5:
		return 9000
	case snr >= 4:
		return 6000
	default:
		return 0
	}
}

// ContentionTime adds the expected backoff overhead for stations
// competing for the channel to a transmission time t in microseconds.
func ContentionTime(stations int, t float64) float64 {
	if stations <= 0 {
		return t
	}
	n := float64(stations)
	pc := 1 - math.Pow(1-1/cwMin, n)
	return t + (cwMin/2)*slotMicros*(1+pc)/(2*(n+1))
}

// AssociatedThroughput estimates kbps for a client already served at
// the measured average rate.
func AssociatedThroughput(avgRateKbps float64) float64 {
	t, payload := TransmissionTime(avgRateKbps)
	return avgRateKbps * frameEfficiency * payload / t
}

// CandidateThroughput estimates kbps a client would get from an agent it
// is not associated with. rssi is the uplink reading at that agent and
// the tx powers correct it to a downlink estimate. stations is the
// number of clients already on the agent.
func CandidateThroughput(rssi RSSI, txAPDBm, txSTADBm float64, stations int) float64 {
	if !rssi.Heard {
		return 0
	}
	downlink := rssi.DBm + 10*math.Log10(DBmToMilliwatts(txAPDBm)/DBmToMilliwatts(txSTADBm))
	rate := OFDMRate(downlink - noiseFloorDBm)
	if rate == 0 {
		return 0
	}
	t, payload := TransmissionTime(rate)
	return rate * frameEfficiency * payload / ContentionTime(stations, t)
}

// FittingnessFactor scores how well an achievable throughput rb serves a
// requested throughput rreq. It is zero when rb is negligible.
func FittingnessFactor(rreq, rb float64) float64 {
	if math.Abs(rb) <= 1e-6 || rreq <= 0 {
		return 0
	}
	x := rb * ffMine / rreq
	u := math.Pow(x, ffShaping) / (1 + math.Pow(x, ffShaping))
	lambda := 1 - math.Exp(-ffK/(math.Pow(ffShaping-1, 1/ffShaping)+math.Pow(ffShaping-1, (1-ffShaping)/ffShaping)))
	return (1 - math.Exp(-ffK*u/x)) / lambda
}
