package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/tradecraft-ai/voicelab/internal/httpc"
	"github.com/tradecraft-ai/voicelab/pkg/audio"
)

const (
	// opusFrameDuration is the media-track packetization interval.
	opusFrameDuration = 20 * time.Millisecond

	// eventChannelLabel is the auxiliary data channel carrying control
	// events alongside the media tracks.
	eventChannelLabel = "oai-events"

	// maxOpusPacket bounds one encoded opus frame.
	maxOpusPacket = 1500
)

// NativeMediaTransport carries audio on real-time media tracks and control
// events on a WebRTC data channel. The handshake POSTs the local SDP offer
// to the negotiation endpoint, authenticated with the ephemeral credential,
// and applies the returned answer.
type NativeMediaTransport struct {
	negotiateURL string
	model        string
	logger       *slog.Logger
	httpClient   *http.Client

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	track  *webrtc.TrackLocalStaticSample
	enc    *opus.Encoder
	closed bool
	err    error

	events  chan []byte
	audioIn chan audio.Frame
	done    chan struct{}
}

// NativeOption configures a NativeMediaTransport.
type NativeOption func(*NativeMediaTransport)

// WithNegotiateURL overrides the SDP negotiation endpoint.
func WithNegotiateURL(url string) NativeOption {
	return func(t *NativeMediaTransport) { t.negotiateURL = url }
}

// WithHTTPClient overrides the handshake HTTP client.
func WithHTTPClient(c *http.Client) NativeOption {
	return func(t *NativeMediaTransport) { t.httpClient = c }
}

// NewNativeMediaTransport creates a WebRTC transport for the given model.
func NewNativeMediaTransport(model string, logger *slog.Logger, opts ...NativeOption) *NativeMediaTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &NativeMediaTransport{
		negotiateURL: DefaultNegotiateURL,
		model:        model,
		logger:       logger.With("component", "session.transport", "strategy", "native"),
		httpClient:   httpc.Client,
		events:       make(chan []byte, 64),
		audioIn:      make(chan audio.Frame, 64),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect implements AudioTransport.
func (t *NativeMediaTransport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.pc != nil {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}
	t.mu.Unlock()

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppVoIP)
	if err != nil {
		return &NegotiationError{Cause: fmt.Errorf("opus encoder: %w", err)}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return &NegotiationError{Cause: fmt.Errorf("peer connection: %w", err)}
	}

	// Outbound media track. Opus RTP always clocks at 48kHz regardless of
	// the encoder's input rate.
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: audio.Channels},
		"audio", "voicelab-mic",
	)
	if err != nil {
		pc.Close()
		return &NegotiationError{Cause: fmt.Errorf("local track: %w", err)}
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return &NegotiationError{Cause: fmt.Errorf("add track: %w", err)}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go t.readRemoteTrack(remote)
	})

	// Auxiliary event channel.
	dc, err := pc.CreateDataChannel(eventChannelLabel, nil)
	if err != nil {
		pc.Close()
		return &NegotiationError{Cause: fmt.Errorf("data channel: %w", err)}
	}

	dcOpen := make(chan struct{})
	dc.OnOpen(func() {
		close(dcOpen)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case t.events <- msg.Data:
		case <-t.done:
		}
	})
	dc.OnClose(func() {
		t.shutdown(nil)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			t.shutdown(&TransportError{Kind: FaultNetwork, Cause: fmt.Errorf("peer connection %s", state)})
		}
	})

	// Offer/answer: gather candidates fully so the offer is self-contained,
	// then exchange descriptions over the authenticated HTTP handshake.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return &NegotiationError{Cause: fmt.Errorf("create offer: %w", err)}
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return &NegotiationError{Cause: fmt.Errorf("set local description: %w", err)}
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return &NegotiationError{Cause: ctx.Err()}
	}

	answer, status, err := t.exchangeSDP(ctx, pc.LocalDescription().SDP, token)
	if err != nil {
		pc.Close()
		return &NegotiationError{Cause: err, Status: status}
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		pc.Close()
		return &NegotiationError{Cause: fmt.Errorf("set remote description: %w", err)}
	}

	// The session is usable once the event channel is up.
	select {
	case <-dcOpen:
	case <-ctx.Done():
		pc.Close()
		return &NegotiationError{Cause: ctx.Err()}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		pc.Close()
		return ErrClosed
	}
	t.pc = pc
	t.dc = dc
	t.track = track
	t.enc = enc
	t.mu.Unlock()

	t.logger.Info("media path established", "endpoint", t.negotiateURL)
	return nil
}

// exchangeSDP POSTs the local description and returns the remote one.
func (t *NativeMediaTransport) exchangeSDP(ctx context.Context, offerSDP, token string) (string, int, error) {
	url := fmt.Sprintf("%s?model=%s", t.negotiateURL, t.model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", 0, fmt.Errorf("build negotiation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("negotiation request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("negotiation endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), resp.StatusCode, nil
}

// readRemoteTrack depacketizes and decodes the inbound media track into
// PCM16 frames for the playback pipeline. A decode failure on one packet
// skips that packet only.
func (t *NativeMediaTransport) readRemoteTrack(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		t.shutdown(&TransportError{Kind: FaultProtocol, Cause: fmt.Errorf("opus decoder: %w", err)})
		return
	}

	pcm := make([]int16, audio.SampleRate/10) // up to 100ms per packet
	var pkt *rtp.Packet

	for {
		select {
		case <-t.done:
			return
		default:
		}

		pkt, _, err = remote.ReadRTP()
		if err != nil {
			if err != io.EOF {
				t.shutdown(&TransportError{Kind: FaultNetwork, Cause: fmt.Errorf("read remote track: %w", err)})
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			t.logger.Warn("dropping undecodable media packet", "error", err, "seq", pkt.SequenceNumber)
			continue
		}

		frame := audio.Frame{
			PCM:      audio.SamplesToBytes(pcm[:n]),
			Received: time.Now(),
		}
		select {
		case t.audioIn <- frame:
		case <-t.done:
			return
		}
	}
}

// SendEvent implements AudioTransport.
func (t *NativeMediaTransport) SendEvent(ev any) error {
	t.mu.Lock()
	dc := t.dc
	closed := t.closed
	t.mu.Unlock()

	if dc == nil || closed {
		return ErrNotOpen
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return &ProtocolError{Cause: fmt.Errorf("encode event: %w", err)}
	}
	if err := dc.SendText(string(data)); err != nil {
		return &TransportError{Kind: FaultNetwork, Cause: err}
	}
	return nil
}

// SendAudio implements AudioTransport. PCM16 frames are opus-encoded and
// written to the media track; no manual wire framing is needed.
func (t *NativeMediaTransport) SendAudio(pcm []byte) error {
	t.mu.Lock()
	track := t.track
	enc := t.enc
	closed := t.closed
	t.mu.Unlock()

	if track == nil || enc == nil || closed {
		return ErrNotOpen
	}

	samples := audio.BytesToSamples(pcm)
	buf := make([]byte, maxOpusPacket)
	n, err := enc.Encode(samples, buf)
	if err != nil {
		return &TransportError{Kind: FaultDevice, Cause: fmt.Errorf("opus encode: %w", err)}
	}

	if err := track.WriteSample(media.Sample{
		Data:     buf[:n],
		Duration: audio.DurationOfBytes(len(pcm)),
	}); err != nil {
		return &TransportError{Kind: FaultNetwork, Cause: err}
	}
	return nil
}

// Events implements AudioTransport.
func (t *NativeMediaTransport) Events() <-chan []byte {
	return t.events
}

// AudioIn implements AudioTransport.
func (t *NativeMediaTransport) AudioIn() <-chan audio.Frame {
	return t.audioIn
}

// Native implements AudioTransport.
func (t *NativeMediaTransport) Native() bool {
	return true
}

// Done implements AudioTransport.
func (t *NativeMediaTransport) Done() <-chan struct{} {
	return t.done
}

// Err implements AudioTransport.
func (t *NativeMediaTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close implements AudioTransport. Idempotent, safe mid-negotiation.
func (t *NativeMediaTransport) Close() error {
	t.shutdown(nil)
	return nil
}

// shutdown tears everything down exactly once, recording cause if it is
// the first terminal error. The events and audioIn channels are never
// closed: their producers are peer-connection callbacks that may still be
// mid-send, so they exit through done and consumers observe termination
// through Done.
func (t *NativeMediaTransport) shutdown(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.err == nil {
		t.err = cause
	}
	pc := t.pc
	t.pc = nil
	t.dc = nil
	t.track = nil
	close(t.done)
	t.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
}

// Ensure NativeMediaTransport implements AudioTransport.
var _ AudioTransport = (*NativeMediaTransport)(nil)
