// Package media is the pion/webrtc implementation of negotiation.Engine.
//
// Local media are static sample tracks: Opus for audio and VP8 for video
// calls. Whatever produces samples (a capture pipeline, a file player, a
// test) writes them through WriteSample; muted kinds are dropped there.
// SendSilence is the built-in producer: it keeps the audio track fed with
// Opus silence frames while a call holds media.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/util"
)

var (
	ErrClosed  = errors.New("media: peer connection closed")
	ErrNoMedia = errors.New("media: no local track of that kind")
)

var _ negotiation.Engine = (*Engine)(nil)

const streamID = "callcore"

// Default STUN servers used when none are configured.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// Options configures an Engine. Zero durations keep pion's defaults.
type Options struct {
	ICEServers []webrtc.ICEServer

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// Engine builds peer connections that share one webrtc.API.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log util.Logger

	mu         sync.Mutex
	kind       call.MediaKind
	audio      *webrtc.TrackLocalStaticSample
	video      *webrtc.TrackLocalStaticSample
	audioMuted bool
	videoMuted bool
}

// NewEngine registers the default codecs and interceptors and applies the
// ICE timeouts in opts.
func NewEngine(opts Options) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 || opts.KeepAliveInterval > 0 {
		disconnected, failed, keepAlive := 5*time.Second, 25*time.Second, 2*time.Second
		if opts.DisconnectedTimeout > 0 {
			disconnected = opts.DisconnectedTimeout
		}
		if opts.FailedTimeout > 0 {
			failed = opts.FailedTimeout
		}
		if opts.KeepAliveInterval > 0 {
			keepAlive = opts.KeepAliveInterval
		}
		se.SetICETimeouts(disconnected, failed, keepAlive)
	}

	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = defaultICEServers
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg: webrtc.Configuration{ICEServers: servers},
		log: util.NewLogger("media"),
	}, nil
}

// AcquireLocalMedia creates the local tracks for kind. An audio call gets an
// Opus track; a video call gets Opus and VP8.
func (e *Engine) AcquireLocalMedia(ctx context.Context, kind call.MediaKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("unsupported media kind %q", kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.audio != nil && (kind == call.MediaAudio || e.video != nil) {
		return nil
	}

	if e.audio == nil {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return fmt.Errorf("create audio track: %w", err)
		}
		e.audio = audio
	}
	if kind == call.MediaVideo && e.video == nil {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return fmt.Errorf("create video track: %w", err)
		}
		e.video = video
	}
	e.kind = kind
	e.log.Debug("local %s media ready", kind)
	return nil
}

// ReleaseLocalMedia drops the local tracks. Peers created afterwards are
// receive-only until media is acquired again.
func (e *Engine) ReleaseLocalMedia() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.audio == nil && e.video == nil {
		return
	}
	e.audio, e.video = nil, nil
	e.kind = ""
	e.audioMuted, e.videoMuted = false, false
	e.log.Debug("local media released")
}

// SetMuted marks local kinds as muted. Samples written for a muted kind are
// discarded.
func (e *Engine) SetMuted(audio, video bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioMuted, e.videoMuted = audio, video
}

// WriteSample feeds one encoded sample to the local track of kind.
func (e *Engine) WriteSample(kind webrtc.RTPCodecType, s media.Sample) error {
	e.mu.Lock()
	var track *webrtc.TrackLocalStaticSample
	muted := false
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		track, muted = e.audio, e.audioMuted
	case webrtc.RTPCodecTypeVideo:
		track, muted = e.video, e.videoMuted
	}
	e.mu.Unlock()

	if track == nil {
		return ErrNoMedia
	}
	if muted {
		return nil
	}
	if err := track.WriteSample(s); err != nil {
		return err
	}
	util.Stats.AddSent(len(s.Data))
	return nil
}

// opusSilence is a 20 ms Opus packet decoding to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SendSilence writes an Opus silence frame every 20 ms while local audio is
// held and returns when ctx is done.
func (e *Engine) SendSilence(ctx context.Context) {
	ticker := time.NewTicker(silenceFrame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.WriteSample(webrtc.RTPCodecTypeAudio, media.Sample{Data: opusSilence, Duration: silenceFrame})
			if err != nil && !errors.Is(err, ErrNoMedia) {
				e.log.Debug("silence frame: %v", err)
			}
		}
	}
}

// NewPeer creates a peer connection carrying the held local tracks. Kinds
// without a local track are negotiated receive-only so the remote side can
// still send them.
func (e *Engine) NewPeer(events negotiation.PeerEvents) (negotiation.Peer, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	audio, video := e.audio, e.video
	e.mu.Unlock()

	if err := addTracks(pc, audio, video); err != nil {
		pc.Close()
		return nil, err
	}

	p := &peer{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; trickle needs no terminator.
		if c == nil || events.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		if init.UsernameFragment == nil {
			// Tag the round so the remote side can tell restart candidates apart.
			if ld := pc.LocalDescription(); ld != nil {
				if ufrag := negotiation.DescriptionUfrag(*ld); ufrag != "" {
					init.UsernameFragment = &ufrag
				}
			}
		}
		events.OnCandidate(init)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Debug("remote %s track %s", remote.Kind(), remote.ID())
		if events.OnTrack != nil {
			events.OnTrack(negotiation.TrackInfo{
				ID:       remote.ID(),
				StreamID: remote.StreamID(),
				Kind:     remote.Kind(),
			})
		}
		go drainTrack(remote)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Debug("PeerConnection state: %s", s.String())
		if events.OnStateChange != nil {
			events.OnStateChange(s)
		}
	})

	return p, nil
}

func addTracks(pc *webrtc.PeerConnection, audio, video *webrtc.TrackLocalStaticSample) error {
	for _, k := range []struct {
		track *webrtc.TrackLocalStaticSample
		kind  webrtc.RTPCodecType
	}{
		{audio, webrtc.RTPCodecTypeAudio},
		{video, webrtc.RTPCodecTypeVideo},
	} {
		if k.track == nil {
			if _, err := pc.AddTransceiverFromKind(k.kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", k.kind, err)
			}
			continue
		}
		sender, err := pc.AddTrack(k.track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", k.kind, err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors see NACKs and reports.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainTrack counts and discards remote RTP until the track ends.
func drainTrack(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		util.Stats.AddRecv(n)
	}
}
