// Package nmea parses the NMEA 0183 sentences a bridge client needs to show
// position and fix status: RMC, GGA and GSA.
package nmea

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Sentence struct {
	// Type is the sentence type without talker id, e.g. "RMC" for "$GNRMC".
	Type   string
	Talker string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
}

// Parse validates the checksum of a "$...*hh" line and splits it.
func Parse(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return Sentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return Sentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return Sentence{}, fmt.Errorf("nmea: bad checksum")
	}
	if got := Checksum(payload); got != want[0] {
		return Sentence{}, fmt.Errorf("nmea: checksum mismatch got=%02X want=%02X", got, want[0])
	}

	parts := strings.Split(payload, ",")
	typeField := parts[0]
	if len(typeField) < 3 {
		return Sentence{}, fmt.Errorf("nmea: short type")
	}
	// GNxxx/GPxxx/etc; the last three chars name the sentence.
	t := typeField[len(typeField)-3:]
	return Sentence{
		Type:   strings.ToUpper(t),
		Talker: typeField[:len(typeField)-3],
		Fields: parts,
	}, nil
}

// Checksum XORs every payload byte between '$' and '*'.
func Checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// Fix is a snapshot of the last known position and receiver status.
type Fix struct {
	Valid bool `json:"valid"`

	LatDeg     float64  `json:"lat_deg"`
	LonDeg     float64  `json:"lon_deg"`
	AltM       *float64 `json:"alt_m,omitempty"`
	GroundKt   *float64 `json:"ground_kt,omitempty"`
	TrackDeg   *float64 `json:"track_deg,omitempty"`
	FixQuality int      `json:"fix_quality"`
	FixMode    int      `json:"fix_mode"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`

	// UTC is the receiver time of day (hhmmss.sss) from the last RMC/GGA.
	UTC     string    `json:"utc,omitempty"`
	Updated time.Time `json:"updated"`
}

var (
	signalLabels = []string{"BAD", "LOW", "MID", "HIGH"}
	modeLabels   = []string{"?", "BAD", "2D", "3D"}
)

// Signal labels the GGA fix quality the way receivers report it:
// 0 invalid, 1 GPS, 2 DGPS, 3 PPS.
func (f Fix) Signal() string {
	if f.FixQuality >= 0 && f.FixQuality < len(signalLabels) {
		return signalLabels[f.FixQuality]
	}
	return "?"
}

// Mode labels the GSA fix type: 1 none, 2 2D, 3 3D.
func (f Fix) Mode() string {
	if f.FixMode >= 0 && f.FixMode < len(modeLabels) {
		return modeLabels[f.FixMode]
	}
	return "?"
}

// State accumulates sentences into a Fix. The zero value is ready to use.
type State struct {
	fix Fix
}

// Apply folds one sentence into the state and reports whether the fix
// changed. Unknown sentence types are ignored.
func (s *State) Apply(now time.Time, sent Sentence) bool {
	var updated bool
	switch sent.Type {
	case "RMC":
		updated = s.applyRMC(sent.Fields)
	case "GGA":
		updated = s.applyGGA(sent.Fields)
	case "GSA":
		updated = s.applyGSA(sent.Fields)
	}
	if updated {
		s.fix.Updated = now
	}
	return updated
}

// ApplyLine parses line and applies it.
func (s *State) ApplyLine(now time.Time, line string) (bool, error) {
	sent, err := Parse(line)
	if err != nil {
		return false, err
	}
	return s.Apply(now, sent), nil
}

func (s *State) Fix() Fix { return s.fix }

// RMC: Recommended Minimum Specific GNSS Data
//
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (s *State) applyRMC(f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		// Void fix: keep the last position but stop claiming it is current.
		changed := s.fix.Valid
		s.fix.Valid = false
		return changed
	}

	lat, latOK := parseLatLon(f[3], f[4])
	lon, lonOK := parseLatLon(f[5], f[6])
	if !latOK || !lonOK {
		return false
	}
	s.fix.LatDeg = lat
	s.fix.LonDeg = lon
	s.fix.Valid = true
	s.fix.UTC = strings.TrimSpace(f[1])

	if gs, ok := parseFloat(f[7]); ok {
		s.fix.GroundKt = &gs
	}
	if trk, ok := parseFloat(f[8]); ok {
		trk = math.Mod(trk+360.0, 360.0)
		s.fix.TrackDeg = &trk
	}
	return true
}

// GGA: Global Positioning System Fix Data
//
//	1: time
//	2: latitude
//	3: N/S
//	4: longitude
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters)
//	10: units (M)
func (s *State) applyGGA(f []string) bool {
	if len(f) < 11 {
		return false
	}
	q, err := strconv.Atoi(strings.TrimSpace(f[6]))
	if err != nil {
		return false
	}
	s.fix.FixQuality = q
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.fix.Satellites = &sats
	}
	if hdop, ok := parseFloat(f[8]); ok {
		s.fix.HDOP = &hdop
	}
	if q == 0 {
		s.fix.Valid = false
		return true
	}

	lat, latOK := parseLatLon(f[2], f[3])
	lon, lonOK := parseLatLon(f[4], f[5])
	if latOK && lonOK {
		s.fix.LatDeg = lat
		s.fix.LonDeg = lon
		s.fix.Valid = true
	}
	if alt, ok := parseFloat(f[9]); ok {
		s.fix.AltM = &alt
	}
	s.fix.UTC = strings.TrimSpace(f[1])
	return true
}

// GSA: GNSS DOP and Active Satellites
//
//	1: mode (M/A)
//	2: fix type (1=none, 2=2D, 3=3D)
func (s *State) applyGSA(f []string) bool {
	if len(f) < 3 {
		return false
	}
	mode, err := strconv.Atoi(strings.TrimSpace(f[2]))
	if err != nil || mode < 1 || mode > 3 {
		return false
	}
	changed := s.fix.FixMode != mode
	s.fix.FixMode = mode
	return changed
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseLatLon parses NMEA lat/lon in ddmm.mmmm or dddmm.mmmm plus hemisphere.
func parseLatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	// The last two digits of the integer part are whole minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + (mins / 60.0)
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
