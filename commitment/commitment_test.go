package commitment

import (
	"bytes"
	"testing"
	"time"

	"github.com/iov-one/atomicswap"
	"github.com/iov-one/atomicswap/errors"
	"github.com/iov-one/atomicswap/swaptest/assert"
)

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	assert.Nil(t, err)
	assert.Equal(t, atomicswap.SecretLength, len(a))

	b, err := GenerateSecret()
	assert.Nil(t, err)

	if bytes.Equal(a, b) {
		t.Fatal("two generated secrets must not be equal")
	}
}

func TestCommitIsDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, atomicswap.SecretLength)

	a := Commit(secret)
	b := Commit(secret)

	assert.Equal(t, atomicswap.CommitmentLength, len(a))
	assert.Equal(t, a, b)
}

func TestVerify(t *testing.T) {
	secret, err := GenerateSecret()
	assert.Nil(t, err)
	other, err := GenerateSecret()
	assert.Nil(t, err)

	cases := map[string]struct {
		secret     []byte
		commitment []byte
		want       bool
	}{
		"round trip": {
			secret:     secret,
			commitment: Commit(secret),
			want:       true,
		},
		"wrong secret": {
			secret:     other,
			commitment: Commit(secret),
			want:       false,
		},
		"short secret": {
			secret:     secret[:16],
			commitment: Commit(secret),
			want:       false,
		},
		"truncated commitment": {
			secret:     secret,
			commitment: Commit(secret)[:16],
			want:       false,
		},
		"nil everything": {
			secret:     nil,
			commitment: nil,
			want:       false,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			assert.Equal(t, tc.want, Verify(tc.secret, tc.commitment))
		})
	}
}

func TestSafeDestinationTimelock(t *testing.T) {
	// The two ledgers run on unrelated clock bases. The invariant compares
	// the durations each clock has left, never timestamps across clocks.
	srcNow := atomicswap.UnixTime(1000000)
	dstNow := atomicswap.UnixTime(5000000)

	cases := map[string]struct {
		source  atomicswap.UnixTime
		dur     time.Duration
		margin  time.Duration
		want    atomicswap.UnixTime
		wantErr *errors.Error
	}{
		"comfortable margin": {
			source: srcNow.Add(48 * time.Hour),
			dur:    24 * time.Hour,
			margin: 6 * time.Hour,
			want:   dstNow.Add(24 * time.Hour),
		},
		"exactly at the margin": {
			source: srcNow.Add(30 * time.Hour),
			dur:    24 * time.Hour,
			margin: 6 * time.Hour,
			want:   dstNow.Add(24 * time.Hour),
		},
		"source too close": {
			source:  srcNow.Add(24 * time.Hour),
			dur:     24 * time.Hour,
			margin:  6 * time.Hour,
			wantErr: errors.ErrInvalidState,
		},
		"source already expired": {
			source:  srcNow - 10,
			dur:     24 * time.Hour,
			margin:  6 * time.Hour,
			wantErr: errors.ErrInvalidState,
		},
		"zero duration": {
			source:  srcNow.Add(48 * time.Hour),
			dur:     0,
			margin:  6 * time.Hour,
			wantErr: errors.ErrInvalidInput,
		},
		"negative margin": {
			source:  srcNow.Add(48 * time.Hour),
			dur:     24 * time.Hour,
			margin:  -time.Hour,
			wantErr: errors.ErrInvalidInput,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			got, err := SafeDestinationTimelock(tc.source, srcNow, dstNow, tc.dur, tc.margin)
			if tc.wantErr != nil {
				if !tc.wantErr.Is(err) {
					t.Fatalf("want %q error, got %+v", tc.wantErr, err)
				}
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
