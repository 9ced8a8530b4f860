package core

import "math"

// UnheardDBm is the value agents report for a client they cannot hear.
// It is translated to an unheard RSSI at ingestion and never stored.
const UnheardDBm = -99.9

// RSSI is a signal strength that may be absent.
type RSSI struct {
	DBm   float64
	Heard bool
}

// Unheard returns the absent reading.
func Unheard() RSSI { return RSSI{} }

// HeardAt returns a present reading of dbm.
func HeardAt(dbm float64) RSSI { return RSSI{DBm: dbm, Heard: true} }

// Above reports whether the reading is present and strictly above
// threshold.
func (r RSSI) Above(threshold float64) bool {
	return r.Heard && r.DBm > threshold
}

// Less orders readings with every unheard value below every heard one.
func (r RSSI) Less(other RSSI) bool {
	if !r.Heard {
		return other.Heard
	}
	return other.Heard && r.DBm < other.DBm
}

// DBmToMilliwatts converts a power level to linear scale.
func DBmToMilliwatts(dbm float64) float64 {
	return math.Pow(10, dbm/10)
}

// MilliwattsToDBm converts linear power back to dBm.
func MilliwattsToDBm(mw float64) float64 {
	return 10 * math.Log10(mw)
}

// UpdateSample folds an observation into the smoothed sample. Averaging
// happens in linear power and the result is rounded to 0.01 dB. An
// unheard observation keeps a heard sample; any observation replaces
// an unheard one.
func UpdateSample(prev, obs RSSI, alpha float64) RSSI {
	if !prev.Heard {
		return obs
	}
	if !obs.Heard {
		return prev
	}
	avg := DBmToMilliwatts(prev.DBm)*(1-alpha) + DBmToMilliwatts(obs.DBm)*alpha
	return HeardAt(math.Round(100*MilliwattsToDBm(avg)) / 100)
}
