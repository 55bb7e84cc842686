package nmea

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nmeaLine(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, Checksum(payload))
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestParse_ChecksumOK(t *testing.T) {
	s, err := Parse(nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W") + "\r\n")
	require.NoError(t, err)
	assert.Equal(t, "RMC", s.Type)
	assert.Equal(t, "GP", s.Talker)
	assert.Len(t, s.Fields, 12)
}

func TestParse_Errors(t *testing.T) {
	good := nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")
	cases := []struct {
		name string
		line string
		want string
	}{
		{name: "NoDollar", line: good[1:], want: "nmea: missing '$'"},
		{name: "NoStar", line: "$GPRMC,1,2", want: "nmea: missing checksum"},
		{name: "ShortChecksum", line: "$GPRMC,1*4", want: "nmea: short checksum"},
		{name: "BadHex", line: "$GPRMC,1*ZZ", want: "nmea: bad checksum"},
		{name: "ShortType", line: nmeaLine("GP"), want: "nmea: short type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.line)
			assert.EqualError(t, err, tc.want)
		})
	}

	_, err := Parse(good[:len(good)-2] + "00")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestState_RMCUpdatesFix(t *testing.T) {
	var st State
	updated, err := st.ApplyLine(now, nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
	require.NoError(t, err)
	require.True(t, updated)

	fix := st.Fix()
	assert.True(t, fix.Valid)
	assert.InDelta(t, 48.1173, fix.LatDeg, 1e-4)
	assert.InDelta(t, 11.5167, fix.LonDeg, 1e-4)
	require.NotNil(t, fix.GroundKt)
	assert.InDelta(t, 22.4, *fix.GroundKt, 1e-9)
	require.NotNil(t, fix.TrackDeg)
	assert.InDelta(t, 84.4, *fix.TrackDeg, 1e-9)
	assert.Equal(t, "123519", fix.UTC)
	assert.Equal(t, now, fix.Updated)
}

func TestState_RMCVoidInvalidates(t *testing.T) {
	var st State
	_, err := st.ApplyLine(now, nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
	require.NoError(t, err)

	updated, err := st.ApplyLine(now.Add(time.Second), nmeaLine("GPRMC,123520,V,,,,,,,230394,,"))
	require.NoError(t, err)
	assert.True(t, updated)
	assert.False(t, st.Fix().Valid)
	assert.InDelta(t, 48.1173, st.Fix().LatDeg, 1e-4, "last position kept")

	updated, err = st.ApplyLine(now, nmeaLine("GPRMC,123521,V,,,,,,,230394,,"))
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestState_GGAQualitySatsAltitude(t *testing.T) {
	var st State
	updated, err := st.ApplyLine(now, nmeaLine("GNGGA,123519,4807.038,S,01131.000,W,1,08,0.9,545.4,M,46.9,M,,"))
	require.NoError(t, err)
	require.True(t, updated)

	fix := st.Fix()
	assert.True(t, fix.Valid)
	assert.Less(t, fix.LatDeg, 0.0)
	assert.Less(t, fix.LonDeg, 0.0)
	assert.Equal(t, 1, fix.FixQuality)
	assert.Equal(t, "LOW", fix.Signal())
	require.NotNil(t, fix.Satellites)
	assert.Equal(t, 8, *fix.Satellites)
	require.NotNil(t, fix.HDOP)
	assert.InDelta(t, 0.9, *fix.HDOP, 1e-9)
	require.NotNil(t, fix.AltM)
	assert.InDelta(t, 545.4, *fix.AltM, 1e-9)
}

func TestState_GGANoFix(t *testing.T) {
	var st State
	updated, err := st.ApplyLine(now, nmeaLine("GPGGA,123519,,,,,0,00,,,M,,M,,"))
	require.NoError(t, err)
	assert.True(t, updated)
	assert.False(t, st.Fix().Valid)
	assert.Equal(t, "BAD", st.Fix().Signal())
}

func TestState_GSAFixMode(t *testing.T) {
	var st State
	assert.Equal(t, "?", st.Fix().Mode())

	updated, err := st.ApplyLine(now, nmeaLine("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"))
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, 3, st.Fix().FixMode)
	assert.Equal(t, "3D", st.Fix().Mode())

	updated, err = st.ApplyLine(now, nmeaLine("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"))
	require.NoError(t, err)
	assert.False(t, updated, "same mode is not an update")

	updated, err = st.ApplyLine(now, nmeaLine("GPGSA,A,7"))
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestState_IgnoresOtherSentences(t *testing.T) {
	var st State
	updated, err := st.ApplyLine(now, nmeaLine("GPGSV,3,1,11,03,03,111,00,04,15,270,00,06,01,010,00,13,06,292,00"))
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, Fix{}, st.Fix())
}

func TestFix_LabelsOutOfRange(t *testing.T) {
	f := Fix{FixQuality: 6, FixMode: -1}
	assert.Equal(t, "?", f.Signal())
	assert.Equal(t, "?", f.Mode())
}
