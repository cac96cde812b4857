package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buffer-orchestrator/internal/manifest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond
	return cfg
}

func segmentContext(mime, url string, seg manifest.Segment) SegmentContext {
	seg.URL = url
	return SegmentContext{
		Type:           manifest.Audio,
		Period:         manifest.NewPeriod("p1", 0, 60),
		Adaptation:     &manifest.Adaptation{ID: "a1", Type: manifest.Audio},
		Representation: &manifest.Representation{ID: "r1", MimeType: mime},
		Segment:        seg,
	}
}

func collect(t *testing.T, req Request) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-req.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("request did not complete")
			return out
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestHTTPFetcher_media(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("WEBVTT"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), testConfig(), nil, nil)
	seg := manifest.Segment{ID: "1", Time: 4, End: 8, Duration: 4}
	events := collect(t, f.CreateRequest(context.Background(), segmentContext("text/vtt", srv.URL+"/1.vtt", seg), 0))

	require.Equal(t, []EventType{EventChunkParsed, EventChunkComplete}, types(events))
	chunk := events[0].Chunk
	assert.Equal(t, []byte("WEBVTT"), chunk.Data)
	assert.Equal(t, 4.0, chunk.Start)
	assert.Equal(t, 8.0, chunk.End)
	assert.False(t, chunk.Known)
	assert.Equal(t, int64(6), events[1].Metrics.Size)
	assert.Equal(t, "1", events[1].Metrics.Segment.ID)
}

func TestHTTPFetcher_byteRange(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Range"))
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), testConfig(), nil, nil)
	seg := manifest.Segment{ID: "1", Time: 0, End: 2, Duration: 2, ByteRange: &[2]int64{100, 199}}
	collect(t, f.CreateRequest(context.Background(), segmentContext("text/vtt", srv.URL, seg), 0))
	assert.Equal(t, "bytes=100-199", got.Load())
}

func TestHTTPFetcher_retry(t *testing.T) {
	t.Run("warnings_then_success", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte("ok"))
		}))
		defer srv.Close()

		f := NewHTTPFetcher(srv.Client(), testConfig(), nil, nil)
		seg := manifest.Segment{ID: "1", Time: 0, End: 2, Duration: 2}
		events := collect(t, f.CreateRequest(context.Background(), segmentContext("text/vtt", srv.URL, seg), 0))

		require.Equal(t, []EventType{EventWarning, EventWarning, EventChunkParsed, EventChunkComplete}, types(events))
		var sc manifest.StatusCoder
		require.True(t, errors.As(events[0].Err, &sc))
		assert.Equal(t, http.StatusNotFound, sc.StatusCode())
		assert.True(t, IsRetryable(events[0].Err))
	})

	t.Run("exhausted", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		cfg := testConfig()
		cfg.MaxRetry = 1
		f := NewHTTPFetcher(srv.Client(), cfg, nil, nil)
		seg := manifest.Segment{ID: "1", Time: 0, End: 2, Duration: 2}
		events := collect(t, f.CreateRequest(context.Background(), segmentContext("text/vtt", srv.URL, seg), 0))

		require.Equal(t, []EventType{EventWarning, EventError}, types(events))
		assert.False(t, IsRetryable(events[1].Err))
		var fe *Error
		require.ErrorAs(t, events[1].Err, &fe)
		assert.Equal(t, http.StatusBadGateway, fe.HTTPStatus)
	})

	t.Run("not_retryable", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		f := NewHTTPFetcher(srv.Client(), testConfig(), nil, nil)
		seg := manifest.Segment{ID: "1", Time: 0, End: 2, Duration: 2}
		events := collect(t, f.CreateRequest(context.Background(), segmentContext("text/vtt", srv.URL, seg), 0))

		require.Equal(t, []EventType{EventError}, types(events))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("no_url", func(t *testing.T) {
		f := NewHTTPFetcher(nil, testConfig(), nil, nil)
		seg := manifest.Segment{ID: "1", Time: 0, End: 2, Duration: 2}
		events := collect(t, f.CreateRequest(context.Background(), segmentContext("text/vtt", "", seg), 0))
		require.Equal(t, []EventType{EventError}, types(events))
		assert.ErrorIs(t, events[0].Err, ErrNoURL)
	})
}

func TestHTTPFetcher_cancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTPFetcher(srv.Client(), testConfig(), nil, nil)
	seg := manifest.Segment{ID: "1", Time: 0, End: 2, Duration: 2}
	req := f.CreateRequest(context.Background(), segmentContext("text/vtt", srv.URL, seg), 0)
	time.Sleep(20 * time.Millisecond)
	req.Cancel()

	assert.Empty(t, collect(t, req))
}

type seekableBuffer struct {
	buf []byte
	pos int
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos += len(p)
	return len(p), nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = int(offset)
	case io.SeekCurrent:
		s.pos += int(offset)
	case io.SeekEnd:
		s.pos = len(s.buf) + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	return int64(s.pos), nil
}

func opusInit(t *testing.T) []byte {
	t.Helper()
	init := &fmp4.Init{Tracks: []*fmp4.InitTrack{{
		ID:        1,
		TimeScale: 48000,
		Codec:     &mp4.CodecOpus{ChannelCount: 2},
	}}}
	var w seekableBuffer
	require.NoError(t, init.Marshal(&w))
	return w.buf
}

func opusPart(t *testing.T, baseTime uint64, samples int) []byte {
	t.Helper()
	part := &fmp4.Part{SequenceNumber: 1, Tracks: []*fmp4.PartTrack{{ID: 1, BaseTime: baseTime}}}
	for i := 0; i < samples; i++ {
		part.Tracks[0].Samples = append(part.Tracks[0].Samples, &fmp4.Sample{Duration: 48000, Payload: []byte{1, 2, 3}})
	}
	var w seekableBuffer
	require.NoError(t, part.Marshal(&w))
	return w.buf
}

func TestParse_fmp4(t *testing.T) {
	init := opusInit(t)
	info, err := ParseInit(init)
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), info.Timescale)
	assert.Equal(t, "opus", info.Codec)
	assert.Empty(t, info.Protections)

	media, err := ParseMedia(opusPart(t, 96000, 2), info.Timescale)
	require.NoError(t, err)
	assert.Equal(t, 2.0, media.Start)
	assert.Equal(t, 2.0, media.Duration)

	_, err = ParseMedia([]byte("garbage"), 48000)
	assert.Error(t, err)
	_, err = ParseMedia(nil, 0)
	assert.Error(t, err)
}

// isoBox encodes an ISOBMFF box of type typ around the concatenated payloads.
func isoBox(typ string, payloads ...[]byte) []byte {
	var body bytes.Buffer
	for _, p := range payloads {
		body.Write(p)
	}
	size := 8 + body.Len()
	out := []byte{byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}
	out = append(out, typ...)
	return append(out, body.Bytes()...)
}

func TestParseInit_sampleEntry(t *testing.T) {
	// mdhd v0: flags, creation and modification times, timescale 48000,
	// duration, language and pre_defined
	mdhd := isoBox("mdhd", make([]byte, 12), []byte{0, 0, 0xbb, 0x80}, make([]byte, 8))
	stsd := isoBox("stsd", []byte{0, 0, 0, 0, 0, 0, 0, 1}, isoBox("ec-3"))
	moov := isoBox("moov", isoBox("trak", isoBox("mdia", mdhd, isoBox("minf", isoBox("stbl", stsd)))))

	timescale, entry, err := readSampleEntry(moov)
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), timescale)
	assert.Equal(t, "ec-3", entry)

	info, err := ParseInit(moov)
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), info.Timescale)
	assert.Equal(t, "ec-3", info.Codec)

	_, err = ParseInit([]byte("garbage"))
	assert.Error(t, err)
}

func TestHTTPFetcher_fmp4(t *testing.T) {
	init := opusInit(t)
	media := opusPart(t, 96000, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/init.mp4":
			_, _ = w.Write(init)
		default:
			_, _ = w.Write(media)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), testConfig(), nil, nil)
	initSeg := manifest.Segment{ID: "init", IsInit: true, Duration: -1}
	events := collect(t, f.CreateRequest(context.Background(), segmentContext("audio/mp4", srv.URL+"/init.mp4", initSeg), 0))
	require.Equal(t, []EventType{EventInitParsed}, types(events))
	assert.Equal(t, uint32(48000), events[0].Init.Timescale)
	assert.Equal(t, "opus", events[0].Init.Codec)
	assert.True(t, bytes.Equal(init, events[0].Init.Data))

	seg := manifest.Segment{ID: "2", Time: 2, End: 4, Duration: 2, TimestampOffset: 10}
	events = collect(t, f.CreateRequest(context.Background(), segmentContext("audio/mp4", srv.URL+"/2.m4s", seg), 0))
	require.Equal(t, []EventType{EventChunkParsed, EventChunkComplete}, types(events))
	chunk := events[0].Chunk
	assert.True(t, chunk.Known)
	assert.Equal(t, 12.0, chunk.Start)
	assert.Equal(t, 14.0, chunk.End)
}

func TestExtractProtections(t *testing.T) {
	systemID := []byte{0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce, 0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed}
	payload := []byte{0xca, 0xfe}

	var pssh bytes.Buffer
	size := 8 + 4 + 16 + 4 + len(payload)
	pssh.Write([]byte{0, 0, 0, byte(size)})
	pssh.WriteString("pssh")
	pssh.Write([]byte{0, 0, 0, 0})
	pssh.Write(systemID)
	pssh.Write([]byte{0, 0, 0, byte(len(payload))})
	pssh.Write(payload)

	var moov bytes.Buffer
	moov.Write([]byte{0, 0, 0, byte(8 + pssh.Len())})
	moov.WriteString("moov")
	moov.Write(pssh.Bytes())

	protections, err := extractProtections(moov.Bytes(), gomp4.BoxTypeMoov())
	require.NoError(t, err)
	require.Len(t, protections, 1)
	assert.Equal(t, "edef8ba9-79d6-4ace-a3c8-27dcd51d21ed", protections[0].SystemID)
	assert.Equal(t, pssh.Bytes(), protections[0].Data)
}

func TestPrioritizer(t *testing.T) {
	p := newPrioritizer(1, 0)
	first := p.newTask(3)
	require.True(t, first.started)

	low := p.newTask(8)
	mid := p.newTask(5)
	assert.False(t, low.started)
	assert.False(t, mid.started)

	urgent := p.newTask(0)
	assert.True(t, urgent.started)

	p.release(first)
	assert.False(t, mid.started, "urgent task still holds the only slot")
	p.release(urgent)
	assert.True(t, mid.started)
	assert.False(t, low.started)

	p.setPriority(low, 0)
	assert.True(t, low.started)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waiting := p.newTask(9)
	assert.ErrorIs(t, p.wait(ctx, waiting), context.Canceled)
	assert.Empty(t, p.waiting)
}

func TestBackoff(t *testing.T) {
	for attempt := 0; attempt < 6; attempt++ {
		d := backoff(100*time.Millisecond, time.Second, attempt)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, 1300*time.Millisecond)
	}
}
