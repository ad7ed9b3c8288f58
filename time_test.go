package atomicswap

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/iov-one/atomicswap/swaptest/assert"
)

func TestUnixTimeUnmarshal(t *testing.T) {
	cases := map[string]struct {
		raw      string
		wantErr  bool
		wantTime UnixTime
	}{
		"number": {
			raw:      "1234567",
			wantTime: 1234567,
		},
		"zero": {
			raw:      "0",
			wantTime: 0,
		},
		"negative number": {
			raw:     "-4",
			wantErr: true,
		},
		"string time": {
			raw:      `"2019-04-01T10:00:00Z"`,
			wantTime: AsUnixTime(time.Date(2019, 4, 1, 10, 0, 0, 0, time.UTC)),
		},
		"rubbish": {
			raw:     `"not a time"`,
			wantErr: true,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			var got UnixTime
			err := json.Unmarshal([]byte(tc.raw), &got)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want an error")
				}
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, tc.wantTime, got)
		})
	}
}

func TestUnixTimeAdd(t *testing.T) {
	now := UnixTime(1000)
	assert.Equal(t, UnixTime(1090), now.Add(90*time.Second))
	assert.Equal(t, UnixTime(4600), now.Add(time.Hour))
	// sub-second durations truncate
	assert.Equal(t, now, now.Add(time.Millisecond))
}

func TestIsExpired(t *testing.T) {
	now := UnixTime(1000)

	assert.Equal(t, true, IsExpired(999, now))
	assert.Equal(t, false, IsExpired(1001, now))
	// expiration is inclusive
	assert.Equal(t, true, IsExpired(1000, now))
}
