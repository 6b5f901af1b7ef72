package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dermalink/consult-agent/internal/channel"
	"github.com/dermalink/consult-agent/internal/media"
	"github.com/dermalink/consult-agent/internal/proto"
	"github.com/dermalink/consult-agent/internal/store"
)

// SessionState tracks one call session's negotiation progress.
type SessionState int

const (
	StateIdle SessionState = iota
	StateOffering
	StateAnswered
	StateConnected
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateOffering:
		return "offering"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "idle"
	}
}

// End reasons recorded to call history.
const (
	ReasonHangup   = "hangup"
	ReasonRemote   = "remote-hangup"
	ReasonReplaced = "replaced"
	ReasonTimeout  = "timeout"
	ReasonFailed   = "transport-failed"
	ReasonMedia    = "media-error"
)

// ErrNoActiveCall is returned by End when no session is in flight.
var ErrNoActiveCall = errors.New("no active call")

// ErrNoPendingOffer is returned by AcceptPending when no inbound offer
// is waiting to be answered.
var ErrNoPendingOffer = errors.New("no pending offer")

// Signaler is the slice of the connection channel the negotiator needs.
type Signaler interface {
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(event string, handler channel.Handler) (cancel func())
}

// Recorder persists call history. Optional.
type Recorder interface {
	RecordCallStart(ctx context.Context, rec store.CallRecord) error
	RecordCallEnd(ctx context.Context, id string, endedAt time.Time, reason string) error
}

// Options configure a Negotiator.
type Options struct {
	// SelfID identifies this user in outbound offers.
	SelfID string
	// STUNServers for NAT traversal. No TURN relay is configured.
	STUNServers []string
	// RingTimeout bounds how long an unanswered offer stays open.
	// Zero disables the timer.
	RingTimeout time.Duration
	// Acquire produces the local media source. Defaults to media.Capture.
	Acquire media.Factory
}

// IncomingOffer describes an unanswered inbound offer waiting for the
// UI to accept or ignore it.
type IncomingOffer struct {
	From   string         `json:"from"`
	ChatID string         `json:"chatId"`
	Kind   proto.CallKind `json:"kind"`
}

// Status is a read-only snapshot of the current session for the UI.
type Status struct {
	State    string         `json:"state"`
	ChatID   string         `json:"chatId,omitempty"`
	PeerID   string         `json:"peerId,omitempty"`
	Kind     proto.CallKind `json:"kind,omitempty"`
	Incoming *IncomingOffer `json:"incoming,omitempty"`
}

// Negotiator drives at most one two-party media session at a time,
// using the connection channel as its signaling transport.
type Negotiator struct {
	sig     Signaler
	opts    Options
	history Recorder
	log     *zerolog.Logger

	mu      sync.Mutex
	sess    *session
	pending *proto.CallOffer

	onIncoming    func(proto.CallOffer)
	onRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState       func(Status)

	cancels []func()
}

type session struct {
	id     string
	chatID string
	peerID string
	kind   proto.CallKind
	state  SessionState

	src media.Source
	pc  *peerConn

	// descSent gates outbound candidates: none may be published before
	// the offer or answer for this session has gone out.
	descSent     bool
	pendingLocal []webrtc.ICECandidateInit

	ringTimer *time.Timer
	startedAt time.Time
}

// NewNegotiator builds a negotiator over the given signaler.
func NewNegotiator(sig Signaler, opts Options, history Recorder, logger *zerolog.Logger) *Negotiator {
	if opts.Acquire == nil {
		opts.Acquire = media.Capture
	}
	if len(opts.STUNServers) == 0 {
		opts.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Negotiator{sig: sig, opts: opts, history: history, log: logger}
}

// Attach subscribes the negotiator to its signaling events. Call once
// after construction.
func (n *Negotiator) Attach() {
	n.cancels = append(n.cancels,
		n.sig.Subscribe(proto.EventCallOffer, n.handleOffer),
		n.sig.Subscribe(proto.EventCallAnswer, n.handleAnswer),
		n.sig.Subscribe(proto.EventICECandidate, n.handleCandidate),
		n.sig.Subscribe(proto.EventCallEnd, n.handleEnd),
	)
}

// Close detaches subscriptions and tears down any live session.
func (n *Negotiator) Close() {
	for _, cancel := range n.cancels {
		cancel()
	}
	n.cancels = nil
	n.mu.Lock()
	n.pending = nil
	n.mu.Unlock()
	n.teardown(true, ReasonHangup)
}

// OnIncomingCall registers the callback invoked when a remote offer
// arrives while no session is active. The UI decides whether to Accept.
func (n *Negotiator) OnIncomingCall(fn func(proto.CallOffer)) { n.onIncoming = fn }

// OnRemoteTrack registers the callback for inbound media tracks.
func (n *Negotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	n.onRemoteTrack = fn
}

// OnStateChange registers the callback observing session transitions.
func (n *Negotiator) OnStateChange(fn func(Status)) { n.onState = fn }

// Status reports the current session (idle when none is active) plus
// any inbound offer still waiting for an accept.
func (n *Negotiator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := Status{State: StateIdle.String()}
	if n.sess != nil {
		st.State = n.sess.state.String()
		st.ChatID = n.sess.chatID
		st.PeerID = n.sess.peerID
		st.Kind = n.sess.kind
	}
	if n.pending != nil {
		st.Incoming = &IncomingOffer{
			From:   n.pending.From,
			ChatID: n.pending.ChatID,
			Kind:   n.pending.Type,
		}
	}
	return st
}

// Start opens a new outbound session to targetID. A session already in
// flight is torn down first so exactly one media capture is ever open.
func (n *Negotiator) Start(ctx context.Context, targetID, chatID string, kind proto.CallKind) error {
	n.teardown(true, ReasonReplaced)

	s := &session{
		id:        uuid.NewString(),
		chatID:    chatID,
		peerID:    targetID,
		kind:      kind,
		startedAt: time.Now(),
	}
	n.mu.Lock()
	n.sess = s
	n.mu.Unlock()

	if err := n.setupSession(s); err != nil {
		return err
	}

	offer, err := s.pc.createOffer()
	if err != nil {
		n.abandon(s, ReasonFailed)
		return err
	}
	if err := n.sig.Publish(ctx, proto.EventCallOffer, proto.CallOffer{
		To:     targetID,
		From:   n.opts.SelfID,
		Offer:  offer,
		ChatID: chatID,
		Type:   kind,
	}); err != nil {
		n.abandon(s, ReasonFailed)
		return fmt.Errorf("publish offer: %w", err)
	}

	n.commitDescSent(s, StateOffering)
	n.startRingTimer(s)
	n.recordStart(ctx, s, "outbound")
	n.log.Info().Str("chat_id", chatID).Str("peer", targetID).Str("kind", string(kind)).Msg("call offer sent")
	return nil
}

// Accept answers a remote offer, mirroring Start with the remote
// description applied before the answer is generated.
func (n *Negotiator) Accept(ctx context.Context, offer proto.CallOffer) error {
	n.teardown(true, ReasonReplaced)

	s := &session{
		id:        uuid.NewString(),
		chatID:    offer.ChatID,
		peerID:    offer.From,
		kind:      offer.Type,
		startedAt: time.Now(),
	}
	n.mu.Lock()
	n.sess = s
	n.mu.Unlock()

	if err := n.setupSession(s); err != nil {
		return err
	}

	answer, err := s.pc.applyOfferAndAnswer(offer.Offer)
	if err != nil {
		n.abandon(s, ReasonFailed)
		return err
	}
	if err := n.sig.Publish(ctx, proto.EventCallAnswer, proto.CallAnswer{
		To:     offer.From,
		Answer: answer,
		ChatID: offer.ChatID,
	}); err != nil {
		n.abandon(s, ReasonFailed)
		return fmt.Errorf("publish answer: %w", err)
	}

	n.commitDescSent(s, StateAnswered)
	n.recordStart(ctx, s, "inbound")
	n.log.Info().Str("chat_id", offer.ChatID).Str("peer", offer.From).Msg("call answered")
	return nil
}

// AcceptPending answers the most recent inbound offer still waiting.
// On failure the offer stays pending so the UI can retry.
func (n *Negotiator) AcceptPending(ctx context.Context) error {
	n.mu.Lock()
	pending := n.pending
	n.mu.Unlock()
	if pending == nil {
		return ErrNoPendingOffer
	}

	if err := n.Accept(ctx, *pending); err != nil {
		return err
	}

	n.mu.Lock()
	if n.pending == pending {
		n.pending = nil
	}
	n.mu.Unlock()
	n.notifyState()
	return nil
}

// End hangs up the current session: the remote party is signaled, then
// every local resource is released through the shared teardown path.
func (n *Negotiator) End(ctx context.Context) error {
	n.mu.Lock()
	s := n.sess
	n.mu.Unlock()
	if s == nil {
		return ErrNoActiveCall
	}

	err := n.sig.Publish(ctx, proto.EventCallEnd, proto.CallEnd{To: s.peerID, ChatID: s.chatID})
	n.teardown(false, ReasonHangup)
	if err != nil {
		return fmt.Errorf("publish call-end: %w", err)
	}
	return nil
}

// setupSession acquires media and builds the peer connection for s. On
// failure every partially acquired resource is released before the
// error propagates.
func (n *Negotiator) setupSession(s *session) error {
	src, err := n.opts.Acquire(s.kind)
	if err != nil {
		n.abandon(s, ReasonMedia)
		var acq *media.AcquisitionError
		if errors.As(err, &acq) {
			return err
		}
		return &media.AcquisitionError{Err: err}
	}

	pc, err := newPeerConn(src, n.opts.STUNServers, peerCallbacks{
		onCandidate: func(ci webrtc.ICECandidateInit) { n.publishCandidate(s, ci) },
		onConnected: func() { n.markConnected(s) },
		onFailed:    func() { n.teardownIf(s, false, ReasonFailed) },
		onTrack:     n.handleTrack,
	})
	if err != nil {
		_ = src.Close()
		n.abandon(s, ReasonFailed)
		return err
	}

	n.mu.Lock()
	if n.sess != s {
		// Torn down while we were acquiring; release what we built and
		// resolve as a no-op.
		n.mu.Unlock()
		_ = src.Close()
		pc.close()
		return ErrNoActiveCall
	}
	s.src = src
	s.pc = pc
	n.mu.Unlock()
	return nil
}

// publishCandidate forwards a locally gathered candidate, buffering it
// while the session's offer or answer has not been published yet.
func (n *Negotiator) publishCandidate(s *session, ci webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.sess != s || s.state == StateEnded {
		n.mu.Unlock()
		return
	}
	if !s.descSent {
		s.pendingLocal = append(s.pendingLocal, ci)
		n.mu.Unlock()
		return
	}
	peer, chatID := s.peerID, s.chatID
	n.mu.Unlock()

	if err := n.sig.Publish(context.Background(), proto.EventICECandidate, proto.ICECandidate{
		To:        peer,
		Candidate: ci,
		ChatID:    chatID,
	}); err != nil {
		n.log.Warn().Err(err).Msg("publish candidate")
	}
}

// commitDescSent marks the session description as published and flushes
// candidates gathered in the meantime, preserving their order.
func (n *Negotiator) commitDescSent(s *session, state SessionState) {
	n.mu.Lock()
	if n.sess != s {
		n.mu.Unlock()
		return
	}
	s.descSent = true
	s.state = state
	pending := s.pendingLocal
	s.pendingLocal = nil
	peer, chatID := s.peerID, s.chatID
	n.mu.Unlock()

	n.notifyState()
	for _, ci := range pending {
		if err := n.sig.Publish(context.Background(), proto.EventICECandidate, proto.ICECandidate{
			To:        peer,
			Candidate: ci,
			ChatID:    chatID,
		}); err != nil {
			n.log.Warn().Err(err).Msg("publish buffered candidate")
		}
	}
}

func (n *Negotiator) startRingTimer(s *session) {
	if n.opts.RingTimeout <= 0 {
		return
	}
	n.mu.Lock()
	if n.sess == s {
		s.ringTimer = time.AfterFunc(n.opts.RingTimeout, func() {
			n.mu.Lock()
			expired := n.sess == s && s.state == StateOffering
			peer, chatID := s.peerID, s.chatID
			n.mu.Unlock()
			if !expired {
				return
			}
			n.log.Info().Str("chat_id", chatID).Msg("call unanswered, giving up")
			if err := n.sig.Publish(context.Background(), proto.EventCallEnd, proto.CallEnd{To: peer, ChatID: chatID}); err != nil {
				n.log.Warn().Err(err).Msg("publish ring-timeout call-end")
			}
			n.teardownIf(s, false, ReasonTimeout)
		})
	}
	n.mu.Unlock()
}

func (n *Negotiator) markConnected(s *session) {
	n.mu.Lock()
	if n.sess != s || s.state == StateEnded {
		n.mu.Unlock()
		return
	}
	s.state = StateConnected
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	n.mu.Unlock()
	n.log.Info().Str("chat_id", s.chatID).Msg("call connected")
	n.notifyState()
}

func (n *Negotiator) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	n.log.Debug().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
	if n.onRemoteTrack != nil {
		n.onRemoteTrack(track, receiver)
	}
}

// ==== inbound signaling ====

func (n *Negotiator) handleOffer(data json.RawMessage) {
	var offer proto.CallOffer
	if err := json.Unmarshal(data, &offer); err != nil {
		n.log.Warn().Err(err).Msg("bad call-offer payload")
		return
	}

	// Held until AcceptPending or a matching call-end. A newer offer
	// replaces the old one; the UI only ever sees the latest.
	n.mu.Lock()
	n.pending = &offer
	n.mu.Unlock()

	n.log.Info().Str("from", offer.From).Str("chat_id", offer.ChatID).Str("kind", string(offer.Type)).Msg("incoming call")
	if n.onIncoming != nil {
		n.onIncoming(offer)
	}
	n.notifyState()
}

func (n *Negotiator) handleAnswer(data json.RawMessage) {
	var answer proto.CallAnswer
	if err := json.Unmarshal(data, &answer); err != nil {
		n.log.Warn().Err(err).Msg("bad call-answer payload")
		return
	}

	n.mu.Lock()
	s := n.sess
	if s == nil || s.chatID != answer.ChatID || s.state != StateOffering {
		n.mu.Unlock()
		n.log.Debug().Str("chat_id", answer.ChatID).Msg("answer for no matching session")
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	pc := s.pc
	n.mu.Unlock()

	if err := pc.setRemoteDescription(answer.Answer); err != nil {
		n.log.Error().Err(err).Str("chat_id", answer.ChatID).Msg("apply answer")
		n.teardownIf(s, false, ReasonFailed)
		return
	}

	n.mu.Lock()
	if n.sess == s && s.state == StateOffering {
		s.state = StateAnswered
	}
	n.mu.Unlock()
	n.notifyState()
}

func (n *Negotiator) handleCandidate(data json.RawMessage) {
	var cand proto.ICECandidate
	if err := json.Unmarshal(data, &cand); err != nil {
		n.log.Warn().Err(err).Msg("bad ice-candidate payload")
		return
	}

	n.mu.Lock()
	s := n.sess
	if s == nil || s.chatID != cand.ChatID || s.pc == nil {
		n.mu.Unlock()
		return
	}
	pc := s.pc
	n.mu.Unlock()

	if err := pc.addRemoteCandidate(cand.Candidate); err != nil {
		n.log.Warn().Err(err).Str("chat_id", cand.ChatID).Msg("apply remote candidate")
	}
}

func (n *Negotiator) handleEnd(data json.RawMessage) {
	var end proto.CallEnd
	if err := json.Unmarshal(data, &end); err != nil {
		n.log.Warn().Err(err).Msg("bad call-end payload")
		return
	}

	n.mu.Lock()
	s := n.sess
	match := s != nil && s.chatID == end.ChatID
	canceled := n.pending != nil && n.pending.ChatID == end.ChatID
	if canceled {
		n.pending = nil
	}
	n.mu.Unlock()

	if canceled {
		n.log.Info().Str("chat_id", end.ChatID).Msg("caller gave up before accept")
		n.notifyState()
	}
	if !match {
		return
	}
	n.log.Info().Str("chat_id", end.ChatID).Msg("remote hang-up")
	n.teardownIf(s, false, ReasonRemote)
}

// ==== teardown ====

// teardown releases the current session, whatever state it is in.
// Local hang-up, remote hang-up, replacement and timeout all converge
// here so resources are released exactly once.
func (n *Negotiator) teardown(publishEnd bool, reason string) {
	n.mu.Lock()
	s := n.sess
	n.mu.Unlock()
	if s == nil {
		return
	}
	n.teardownIf(s, publishEnd, reason)
}

func (n *Negotiator) teardownIf(s *session, publishEnd bool, reason string) {
	n.mu.Lock()
	if n.sess != s {
		n.mu.Unlock()
		return
	}
	n.sess = nil
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	descSent := s.descSent
	s.state = StateEnded
	n.mu.Unlock()

	if publishEnd && descSent {
		if err := n.sig.Publish(context.Background(), proto.EventCallEnd, proto.CallEnd{To: s.peerID, ChatID: s.chatID}); err != nil {
			n.log.Warn().Err(err).Msg("publish call-end during teardown")
		}
	}
	if s.src != nil {
		if err := s.src.Close(); err != nil {
			n.log.Warn().Err(err).Msg("close media source")
		}
	}
	if s.pc != nil {
		s.pc.close()
	}
	n.recordEnd(s, reason)
	n.log.Info().Str("chat_id", s.chatID).Str("reason", reason).Msg("call ended")
	n.notifyState()
}

// abandon drops a session that never finished setup. Nothing was
// signaled yet, so no call-end goes out.
func (n *Negotiator) abandon(s *session, reason string) {
	n.teardownIf(s, false, reason)
}

func (n *Negotiator) notifyState() {
	if n.onState != nil {
		n.onState(n.Status())
	}
}

func (n *Negotiator) recordStart(ctx context.Context, s *session, direction string) {
	if n.history == nil {
		return
	}
	err := n.history.RecordCallStart(ctx, store.CallRecord{
		ID:        s.id,
		ChatID:    s.chatID,
		PeerID:    s.peerID,
		Kind:      string(s.kind),
		Direction: direction,
		StartedAt: s.startedAt,
	})
	if err != nil {
		n.log.Warn().Err(err).Msg("record call start")
	}
}

func (n *Negotiator) recordEnd(s *session, reason string) {
	if n.history == nil {
		return
	}
	if err := n.history.RecordCallEnd(context.Background(), s.id, time.Now(), reason); err != nil {
		n.log.Warn().Err(err).Msg("record call end")
	}
}
