package sprintpilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/vango-go/sprintpilot/pkg/core"
)

// webrtcTransport is the default session transport. Audio travels on peer
// connection media tracks; JSON events travel on the "oai-events" data
// channel. Signaling is a single SDP offer/answer exchange over HTTPS.
type webrtcTransport struct {
	session *RealtimeSession

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	closed atomic.Bool

	closeOnce sync.Once
}

func newWebRTCTransport(s *RealtimeSession) sessionTransport {
	return &webrtcTransport{session: s}
}

func (t *webrtcTransport) Connect(ctx context.Context) error {
	capture, err := t.session.acquireCapture(ctx, CaptureFormat{
		Encoding:   EncodingOggOpus,
		SampleRate: 48000,
		Channels:   1,
	})
	if err != nil {
		return err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return core.NewTransportError("peer connection: " + err.Error())
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, "audio", "microphone")
	if err != nil {
		return core.NewTransportError("local track: " + err.Error())
	}
	if _, err := pc.AddTrack(track); err != nil {
		return core.NewTransportError("add track: " + err.Error())
	}

	dc, err := pc.CreateDataChannel("oai-events", nil)
	if err != nil {
		return core.NewTransportError("data channel: " + err.Error())
	}
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	channelOpen := make(chan struct{})
	dc.OnOpen(func() {
		t.session.handleChannelOpen()
		close(channelOpen)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.session.handleServerEvent(msg.Data)
	})
	dc.OnError(func(err error) {
		if !t.closed.Load() {
			t.session.emitError(core.NewChannelError("event channel: " + err.Error()))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if !t.closed.Load() {
				t.session.handleTransportFailure(core.NewTransportError("peer connection " + state.String()))
			}
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go t.playRemoteTrack(remote)
	})

	if err := t.signal(ctx, pc); err != nil {
		return err
	}

	select {
	case <-channelOpen:
	case <-ctx.Done():
		return core.NewTransportError("event channel did not open: " + ctx.Err().Error())
	}

	go t.streamCapture(capture, track)
	return nil
}

// signal runs the one-shot SDP exchange: POST the local offer to the
// realtime endpoint, apply the SDP answer from the response body.
func (t *webrtcTransport) signal(ctx context.Context, pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return core.NewTransportError("create offer: " + err.Error())
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return core.NewTransportError("set local description: " + err.Error())
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return core.NewTransportError("ICE gathering: " + ctx.Err().Error())
	}

	client := t.session.client
	url := client.realtimeBaseURL + "?model=" + t.session.Config().Model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(pc.LocalDescription().SDP))
	if err != nil {
		return core.NewSignalingError("build signaling request: "+err.Error(), 0)
	}
	req.Header.Set("Authorization", "Bearer "+client.apiKey)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "signal", URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "signal", URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.NewSignalingError(fmt.Sprintf("signaling failed: %s", strings.TrimSpace(string(body))), resp.StatusCode)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return core.NewSignalingError("set remote description: "+err.Error(), 0)
	}
	return nil
}

// streamCapture forwards Ogg/Opus pages from the microphone to the uplink
// track. The device is read continuously so the stream stays live; pages
// captured while the session is not recording are dropped.
func (t *webrtcTransport) streamCapture(capture CaptureSession, track *webrtc.TrackLocalStaticSample) {
	ogg, _, err := oggreader.NewWith(capture)
	if err != nil {
		t.session.logger.Warn("capture stream unreadable", "error", err)
		return
	}

	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.session.logger.Debug("capture stream ended", "error", err)
			}
			return
		}
		sampleCount := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(sampleCount) * time.Second / 48000

		if !t.session.isStreamingAudio() {
			continue
		}
		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			t.session.logger.Debug("uplink write failed", "error", err)
			return
		}
	}
}

// playRemoteTrack decodes the assistant's Opus downlink and feeds the
// session sink.
func (t *webrtcTransport) playRemoteTrack(remote *webrtc.TrackRemote) {
	t.session.mu.Lock()
	sink := t.session.sink
	t.session.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Start(CaptureFormat{Encoding: EncodingPCM16, SampleRate: 48000, Channels: 1}); err != nil {
		t.session.logger.Warn("audio sink start failed", "error", err)
		return
	}

	decoder := opus.NewDecoder()
	pcm := make([]byte, 1920)
	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}
		if _, _, err := decoder.Decode(packet.Payload, pcm); err != nil {
			t.session.logger.Debug("opus decode failed", "error", err)
			continue
		}
		if _, err := sink.Write(pcm); err != nil {
			return
		}
	}
}

func (t *webrtcTransport) Send(event any) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil {
		return core.NewChannelError("event channel not open")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return core.NewChannelError("encode event: " + err.Error())
	}
	return dc.SendText(string(data))
}

func (t *webrtcTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.mu.Lock()
		pc := t.pc
		t.mu.Unlock()
		if pc != nil {
			err = pc.Close()
		}
	})
	return err
}
