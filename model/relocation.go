package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// GPS is a geodetic position in degrees and metres.
type GPS struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Velocity is a NED velocity in metres per second.
type Velocity struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Relocation is one agent's announced move from origin to destination.
// Positions are projected into the local frame anchored at Reference.
type Relocation struct {
	Origin      GPS      `json:"origin"`
	Destination GPS      `json:"destination"`
	Reference   GPS      `json:"reference"`
	Velocity    Velocity `json:"velocity"`
}

// RelocationEvent maps an agent host (address or resolvable name) to
// its relocation.
type RelocationEvent map[string]Relocation

// flexFloat accepts both JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("numeric string %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func (g *GPS) UnmarshalJSON(b []byte) error {
	var raw struct {
		Lat flexFloat `json:"lat"`
		Lon flexFloat `json:"lon"`
		Alt flexFloat `json:"alt"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*g = GPS{Lat: float64(raw.Lat), Lon: float64(raw.Lon), Alt: float64(raw.Alt)}
	return nil
}

func (v *Velocity) UnmarshalJSON(b []byte) error {
	var raw struct {
		X flexFloat `json:"x"`
		Y flexFloat `json:"y"`
		Z flexFloat `json:"z"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*v = Velocity{X: float64(raw.X), Y: float64(raw.Y), Z: float64(raw.Z)}
	return nil
}
