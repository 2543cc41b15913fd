package wireformat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		topic  string
		key    []byte
		hasKey bool
		value  []byte
		ts     int64
	}{
		{"no key", "t", nil, false, []byte("hello"), 12345},
		{"with key", "events", []byte("user-42"), true, []byte("payload"), 99999999},
		{"empty value", "t", []byte("k"), true, nil, 0},
		{"max topic len", string(make([]byte, MaxTopicLen, MaxTopicLen)), nil, false, []byte("v"), 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			topic := tc.topic
			if tc.name == "max topic len" {
				b := make([]byte, MaxTopicLen)
				for i := range b {
					b[i] = 'a'
				}
				topic = string(b)
			}

			n := EncodedSize(len(topic), len(tc.key), len(tc.value), tc.hasKey)
			buf := make([]byte, n)
			enc, err := Encode(buf, topic, tc.key, tc.value, tc.hasKey, tc.ts)
			require.NoError(t, err)
			require.Equal(t, n, len(enc))

			dec, err := Decode(enc)
			require.NoError(t, err)
			require.Equal(t, topic, dec.Topic)
			require.Equal(t, tc.hasKey, dec.HasKey)
			if tc.hasKey {
				require.Equal(t, tc.key, dec.Key)
			}
			require.Equal(t, tc.value, dec.Value)
			require.Equal(t, tc.ts, dec.ClientTimestampMs)
		})
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 10)
	buf[0] = 0xFF
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsMalformedShortFrame(t *testing.T) {
	// A short, clearly-malformed frame: exactly header length, with a
	// wrong magic byte.
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsEmptyTopic(t *testing.T) {
	buf := make([]byte, EncodedSize(0, 0, 1, false))
	buf[0] = Magic
	buf[1] = Version
	// topic_len = 0
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrBadTopic)
}

func TestDecodeRejectsTruncatedValue(t *testing.T) {
	buf, err := Encode(make([]byte, EncodedSize(1, 0, 5, false)), "t", nil, []byte("hello"), false, 1)
	require.NoError(t, err)
	_, err = Decode(buf[:len(buf)-3])
	require.Error(t, err)
}

func TestEncodeRejectsBadTopic(t *testing.T) {
	buf := make([]byte, 1024)
	_, err := Encode(buf, "bad\x00topic", nil, []byte("v"), false, 1)
	require.ErrorIs(t, err, ErrBadTopic)
}
