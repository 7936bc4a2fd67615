package dataset

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// charTokenizer maps each byte to its own token; id = byte value + 1 so that
// 0 can be padding.
type charTokenizer struct{}

func (charTokenizer) Tokenize(text string) []string {
	out := make([]string, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = text[i : i+1]
	}
	return out
}

func (charTokenizer) ConvertTokensToString(tokens []string) string { return strings.Join(tokens, "") }

func (charTokenizer) Encode(text string) []int {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i]) + 1
	}
	return out
}

func (charTokenizer) PadID() int { return 0 }

func TestPrepareCalibrationPacked(t *testing.T) {
	records := []string{"abc", "", "defgh", "ij", "klmnopq", "rs", "tuvwx", "yz"}
	opts := Options{MaxSeqLen: 6, BatchSize: 2, NSamples: 3}

	batches, err := PrepareCalibration(records, charTokenizer{}, opts, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	require.NotEmpty(t, batches)

	total := 0
	for _, b := range batches {
		n, seqLen := b.Size()
		assert.LessOrEqual(t, n, 2)
		assert.Equal(t, 6, seqLen, "packed samples are exactly max_seqlen long")
		for _, m := range b.Mask {
			for _, v := range m {
				assert.Equal(t, 1, v)
			}
		}
		total += n
	}
	assert.LessOrEqual(t, total, 3)

	again, err := PrepareCalibration(records, charTokenizer{}, opts, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.Equal(t, batches, again, "same seed, same samples")
}

func TestPrepareCalibrationVaried(t *testing.T) {
	records := []string{"abcdefghij", "", "xy", "hello"}
	opts := Options{MaxSeqLen: 4, BatchSize: 8, NSamples: 10, VariedSeqLen: true}

	batches, err := PrepareCalibration(records, charTokenizer{}, opts, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, batches, 1)

	b := batches[0]
	n, seqLen := b.Size()
	assert.Equal(t, 3, n, "empty records are dropped")
	assert.Equal(t, 4, seqLen, "long records are truncated")
	valid := 0
	for _, m := range b.Mask {
		for _, v := range m {
			valid += v
		}
	}
	assert.Equal(t, 4+2+4, valid)
}

func TestPrepareCalibrationNothingFits(t *testing.T) {
	_, err := PrepareCalibration([]string{"ab"}, charTokenizer{}, Options{MaxSeqLen: 10, BatchSize: 1, NSamples: 1}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestPrepareTest(t *testing.T) {
	// "ab\n\ncd" = 6 tokens, seqlen 2 -> 3 sequences
	batches, err := PrepareTest([]string{"ab", "cd"}, charTokenizer{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, [][]int{{'a' + 1, 'b' + 1}, {'\n' + 1, '\n' + 1}}, batches[0].InputIDs)
	assert.Nil(t, batches[0].Mask)
	n, _ := batches[1].Size()
	assert.Equal(t, 1, n)

	_, err = PrepareTest([]string{"a"}, charTokenizer{}, 5, 1)
	assert.Error(t, err)
}
