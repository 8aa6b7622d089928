package audio

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/frames"
)

func TestMulawTableMatchesExpansion(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		require.Equal(t, MulawExpand(b), mulawDecode(b), "byte 0x%02x", b)
	}
	assert.Equal(t, int16(-32124), MulawExpand(0x00))
	assert.Equal(t, int16(32124), MulawExpand(0x80))
	assert.Equal(t, int16(0), MulawExpand(0xFF))
}

func TestMulawEncodeRoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		sample := MulawExpand(byte(i))
		encoded := PCMToMulaw([]int16{sample})
		assert.Equal(t, sample, MulawExpand(encoded[0]), "byte 0x%02x", i)
	}
	// Clipping must not overflow on the most negative sample.
	assert.Equal(t, int16(-32124), MulawToPCM(PCMToMulaw([]int16{-32768}))[0])
}

func TestUpsamplersDoubleLength(t *testing.T) {
	in := []int16{1, -2, 300, 32767, -32768}

	dup := UpsampleDuplicate(in)
	require.Len(t, dup, 2*len(in))
	for i, s := range in {
		assert.Equal(t, s, dup[2*i])
		assert.Equal(t, s, dup[2*i+1])
	}

	lin := UpsampleLinear(in)
	require.Len(t, lin, 2*len(in))
	assert.Equal(t, []int16{1, 0, -2, 149, 300, 16533, 32767, 0, -32768, -32768}, lin)

	assert.Empty(t, UpsampleDuplicate(nil))
}

func TestUpsamplerByName(t *testing.T) {
	_, ok := UpsamplerByName("linear")
	assert.True(t, ok)
	_, ok = UpsamplerByName("sinc")
	assert.False(t, ok)
}

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.InDelta(t, 1000.0, RMS([]int16{1000, -1000, 1000, -1000}), 1e-9)
}

func mediaFrame(seq int64, mulaw []byte) *frames.MediaFrame {
	return frames.NewMediaFrame("MZ1", seq, base64.StdEncoding.EncodeToString(mulaw))
}

func silence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func TestPipelineFlushesAtThreshold(t *testing.T) {
	p := NewPipeline(DefaultPipelineConfig(), nil)

	// 160 μ-law bytes (20 ms) become 640 bytes at 16 kHz, so five frames fill 3200.
	for i := 1; i <= 4; i++ {
		res, err := p.Ingest(mediaFrame(int64(i), silence(160)))
		require.NoError(t, err)
		assert.Nil(t, res.Flush)
		assert.Len(t, res.PCM, 320)
	}
	assert.Equal(t, 2560, p.Buffered())

	res, err := p.Ingest(mediaFrame(5, silence(160)))
	require.NoError(t, err)
	assert.Len(t, res.Flush, DefaultFlushBytes)
	assert.Equal(t, 0, p.Buffered())
}

func TestPipelineDropsMalformedFrames(t *testing.T) {
	p := NewPipeline(PipelineConfig{FlushBytes: 8}, nil)

	_, err := p.Ingest(frames.NewMediaFrame("MZ1", 1, "%%% not base64"))
	assert.ErrorIs(t, err, errdefs.ErrDecode)
	assert.Equal(t, 0, p.Buffered())

	bad := mediaFrame(2, []byte{0xFF})
	bad.Codec = "opus"
	_, err = p.Ingest(bad)
	assert.ErrorIs(t, err, errdefs.ErrDecode)

	res, err := p.Ingest(mediaFrame(3, []byte{0x80, 0x00}))
	require.NoError(t, err)
	assert.Equal(t, PCMToBytes([]int16{32124, 32124, -32124, -32124}), res.Flush)
}

func TestPipelineKeepsArrivalOrder(t *testing.T) {
	p := NewPipeline(PipelineConfig{FlushBytes: 12}, nil)

	res, err := p.Ingest(mediaFrame(1, []byte{0x80}))
	require.NoError(t, err)
	assert.Equal(t, SequenceFirst, res.Sequence)

	res, err = p.Ingest(mediaFrame(4, []byte{0x00}))
	require.NoError(t, err)
	assert.Equal(t, SequenceGap, res.Sequence)
	assert.Equal(t, int64(2), res.Missing)

	res, err = p.Ingest(mediaFrame(3, []byte{0xFF}))
	require.NoError(t, err)
	assert.Equal(t, SequenceReordered, res.Sequence)
	assert.Equal(t, PCMToBytes([]int16{32124, 32124, -32124, -32124, 0, 0}), res.Flush)

	stats := p.SequenceStats()
	assert.Equal(t, SequenceStats{Last: 4, Gaps: 1, Missing: 2, Reordered: 1}, stats)

	p.Reset()
	assert.Equal(t, SequenceStats{}, p.SequenceStats())
}

func TestPipelineReportsArrivalSpacing(t *testing.T) {
	p := NewPipeline(DefaultPipelineConfig(), nil)

	first := mediaFrame(1, silence(160))
	res, err := p.Ingest(first)
	require.NoError(t, err)
	assert.Zero(t, res.Since)

	time.Sleep(30 * time.Millisecond)
	late := mediaFrame(3, silence(160))
	res, err = p.Ingest(late)
	require.NoError(t, err)
	assert.Equal(t, SequenceGap, res.Sequence)
	assert.Equal(t, late.PTS().Sub(first.PTS()), res.Since)
	assert.GreaterOrEqual(t, res.Since, 30*time.Millisecond)

	p.Reset()
	res, err = p.Ingest(mediaFrame(4, silence(160)))
	require.NoError(t, err)
	assert.Zero(t, res.Since, "reset forgets the previous arrival")
}

func TestSequenceTrackerUntracked(t *testing.T) {
	var tr SequenceTracker
	status, _ := tr.Observe(0)
	assert.Equal(t, SequenceUntracked, status)
	status, _ = tr.Observe(1)
	assert.Equal(t, SequenceFirst, status)
	status, _ = tr.Observe(1)
	assert.Equal(t, SequenceReordered, status)
	assert.Equal(t, "reordered", status.String())
}
