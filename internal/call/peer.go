package call

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/dermalink/consult-agent/internal/media"
)

// peerConn wraps a pion PeerConnection for one session. It owns the
// remote-candidate queue: candidates that arrive before the remote
// description is set are held back instead of failing the session.
type peerConn struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	closed        bool
}

type peerCallbacks struct {
	onCandidate func(webrtc.ICECandidateInit)
	onConnected func()
	onFailed    func()
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newPeerConn(src media.Source, stunURLs []string, cb peerCallbacks) (*peerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := src.Populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("populate media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &peerConn{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && cb.onCandidate != nil {
			cb.onCandidate(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if cb.onConnected != nil {
				cb.onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if cb.onFailed != nil {
				cb.onFailed()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if cb.onTrack != nil {
			cb.onTrack(track, receiver)
		}
	})

	for _, track := range src.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}
	if len(src.Tracks()) == 0 {
		// Receive-only transceivers keep the SDP valid with no local media.
		if err := addRecvOnly(pc); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	return p, nil
}

func addRecvOnly(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly transceiver: %w", err)
		}
	}
	return nil
}

// createOffer generates the local description and applies it. Candidate
// gathering only begins once the local description is set, so callers
// can rely on the description existing before any candidate callback.
func (p *peerConn) createOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

// applyOfferAndAnswer applies the remote offer and produces the answer.
func (p *peerConn) applyOfferAndAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.setRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *peerConn) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	p.mu.Unlock()

	for _, ci := range pending {
		if err := p.pc.AddICECandidate(ci); err != nil {
			return fmt.Errorf("apply queued candidate: %w", err)
		}
	}
	return nil
}

// addRemoteCandidate applies a candidate, queueing it when the remote
// description has not arrived yet.
func (p *peerConn) addRemoteCandidate(ci webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.remoteSet {
		p.pendingRemote = append(p.pendingRemote, ci)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(ci)
}

// close is idempotent.
func (p *peerConn) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.pendingRemote = nil
	p.mu.Unlock()
	_ = p.pc.Close()
}
