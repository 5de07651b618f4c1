// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nettick/nettick/core/wire"
)

// Config carries the per connection channel layer settings.
type Config struct {
	// Protocol is the protocol id stamped on every packet.
	Protocol uint64

	// MTU bounds assembled datagrams, header included.
	MTU int

	// MaxMessageSize bounds a single reliable message before
	// fragmentation.
	MaxMessageSize int

	// Channels declares the channel set.  Both peers must declare the
	// same set.
	Channels []Desc

	// OnDelivered, when set, is invoked with the channel and message id
	// of every reliable message the peer has fully acknowledged.
	OnDelivered func(channel uint8, msgID uint16)

	// Logger is optional.
	Logger *log.Logger
}

type msgRef struct {
	ch    *chanState
	msgID uint16
	frag  int
}

type inflightPkt struct {
	sentAt time.Time
	refs   []msgRef
}

type outMessage struct {
	id       uint16
	frags    [][]byte
	nextFrag int
	queued   bool
	acked    []bool
	remain   int
}

type partial struct {
	frags [][]byte
	have  int
	count int
}

type chanState struct {
	desc Desc

	// Sender state.
	queue      []*outMessage // reliable: fragments not yet packed
	rawQueue   [][]byte      // unreliable kinds: queued payloads
	pending    map[uint16]*outMessage
	nextMsgID  uint16
	nextSeqOut uint16

	// Receiver state.
	reassembly map[uint16]*partial
	completed  map[uint16][]byte // ordered: complete, waiting for order
	expected   uint16            // ordered: next message id to deliver
	seen       map[uint16]struct{}
	seenNewest uint16
	latestSeq  uint16
	haveSeq    bool
}

// Mux multiplexes the declared channels over one datagram flow to a single
// peer.  It is not safe for concurrent use; the simulation loop owns it.
type Mux struct {
	cfg Config
	log *log.Logger

	ordered []*chanState
	byID    map[uint8]*chanState

	localSeq uint16
	recvWin  ackWindow
	inflight map[uint16]*inflightPkt
	ackDirty bool

	stats Stats
}

// NewMux builds a Mux from the channel declarations.
func NewMux(cfg Config) (*Mux, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	m := &Mux{
		cfg:      cfg,
		log:      logger,
		byID:     make(map[uint8]*chanState),
		inflight: make(map[uint16]*inflightPkt),
	}
	for _, d := range cfg.Channels {
		if _, ok := m.byID[d.ID]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateChannel, d.ID)
		}
		ch := &chanState{
			desc:       d,
			pending:    make(map[uint16]*outMessage),
			reassembly: make(map[uint16]*partial),
			completed:  make(map[uint16][]byte),
			seen:       make(map[uint16]struct{}),
		}
		m.byID[d.ID] = ch
		m.ordered = append(m.ordered, ch)
	}
	// Fill priority: kind first, then channel id for determinism.
	sort.SliceStable(m.ordered, func(i, j int) bool {
		a, b := m.ordered[i], m.ordered[j]
		if a.desc.Kind != b.desc.Kind {
			return a.desc.Kind < b.desc.Kind
		}
		return a.desc.ID < b.desc.ID
	})
	return m, nil
}

// Stats returns a copy of the traffic counters.
func (m *Mux) Stats() Stats {
	return m.stats
}

// maxFragment is the largest fragment payload that fits an otherwise empty
// packet.
func (m *Mux) maxFragment() int {
	return m.cfg.MTU - wire.HeaderLen - wire.FrameOverhead - wire.FragmentOverhead
}

// maxUnreliable is the largest unfragmented body that fits a frame.
func (m *Mux) maxUnreliable(k Kind) int {
	n := m.cfg.MTU - wire.HeaderLen - wire.FrameOverhead
	if k == UnreliableSequenced {
		n -= wire.SequencedOverhead
	}
	return n
}

// Send queues a message on a channel.  For reliable channels the assigned
// message id is returned; it is later passed to OnDelivered once the peer
// acknowledges the whole message.
func (m *Mux) Send(channel uint8, payload []byte) (uint16, error) {
	ch, ok := m.byID[channel]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if ch.desc.Kind.Reliable() {
		if len(payload) > m.cfg.MaxMessageSize {
			return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), m.cfg.MaxMessageSize)
		}
		msg := ch.newMessage(m.splitFragments(payload))
		msg.queued = true
		ch.queue = append(ch.queue, msg)
		m.stats.MessagesSent++
		return msg.id, nil
	}

	if len(payload) > m.maxUnreliable(ch.desc.Kind) {
		return 0, fmt.Errorf("%w: %d bytes on %s channel %d",
			wire.ErrFrameTooLarge, len(payload), ch.desc.Kind, channel)
	}
	if ch.desc.Kind == UnreliableSequenced {
		// The slot sequence is claimed at send time so later sends
		// supersede earlier ones even across packet reordering.
		payload = wire.EncodeSequenced(nil, ch.nextSeqOut, payload)
		ch.nextSeqOut++
	}
	ch.rawQueue = append(ch.rawQueue, payload)
	m.stats.MessagesSent++
	return 0, nil
}

func (m *Mux) splitFragments(payload []byte) [][]byte {
	max := m.maxFragment()
	if len(payload) == 0 {
		return [][]byte{nil}
	}
	var frags [][]byte
	for len(payload) > max {
		frags = append(frags, payload[:max])
		payload = payload[max:]
	}
	return append(frags, payload)
}

func (ch *chanState) newMessage(frags [][]byte) *outMessage {
	msg := &outMessage{
		id:     ch.nextMsgID,
		frags:  frags,
		acked:  make([]bool, len(frags)),
		remain: len(frags),
	}
	ch.nextMsgID++
	ch.pending[msg.id] = msg
	return msg
}

// nextPacketSeq returns the next packet sequence, skipping the reserved 0.
func (m *Mux) nextPacketSeq() uint16 {
	m.localSeq++
	if m.localSeq == 0 {
		m.localSeq = 1
	}
	return m.localSeq
}

// HasQueued reports whether any channel holds unpacked traffic.
func (m *Mux) HasQueued() bool {
	for _, ch := range m.ordered {
		if len(ch.queue) > 0 || len(ch.rawQueue) > 0 {
			return true
		}
	}
	return false
}

// BuildPackets drains the channel queues into MTU bounded packets, at most
// limit of them (limit <= 0 means unlimited).  If the limit cuts assembly
// short, remaining unreliable traffic is dropped: on backpressure best
// effort data goes first while reliable data stalls queued.
func (m *Mux) BuildPackets(now time.Time, limit int) [][]byte {
	var pkts [][]byte
	for limit <= 0 || len(pkts) < limit {
		pkt := m.buildOne(now)
		if pkt == nil {
			break
		}
		pkts = append(pkts, pkt)
	}
	if m.HasQueued() && limit > 0 && len(pkts) == limit {
		for _, ch := range m.ordered {
			if !ch.desc.Kind.Reliable() && len(ch.rawQueue) > 0 {
				ch.rawQueue = nil
			}
		}
	}
	// Acknowledgements must flow even when no data does.
	if len(pkts) == 0 && m.ackDirty {
		pkts = append(pkts, m.headerOnly(now))
	}
	if len(pkts) > 0 {
		m.ackDirty = false
	}
	return pkts
}

func (m *Mux) headerOnly(now time.Time) []byte {
	ack, bits := m.recvWin.fields()
	h := wire.Header{
		Protocol: m.cfg.Protocol,
		Seq:      m.nextPacketSeq(),
		Ack:      ack,
		AckBits:  bits,
	}
	m.stats.PacketsSent++
	return h.Encode(nil)
}

func (m *Mux) buildOne(now time.Time) []byte {
	budget := m.cfg.MTU - wire.HeaderLen
	var body []byte
	var refs []msgRef

	for _, ch := range m.ordered {
		if ch.desc.Kind.Reliable() {
			for len(ch.queue) > 0 {
				msg := ch.queue[0]
				// Skip fragments the peer already acknowledged; a
				// retransmitted message only resends what is missing.
				for msg.nextFrag < len(msg.frags) && msg.acked[msg.nextFrag] {
					msg.nextFrag++
				}
				if msg.nextFrag == len(msg.frags) {
					msg.queued = false
					ch.queue = ch.queue[1:]
					continue
				}
				frag := wire.Fragment{
					MessageID: msg.id,
					Index:     uint8(msg.nextFrag),
					Count:     uint8(len(msg.frags)),
					Payload:   msg.frags[msg.nextFrag],
				}
				need := wire.FrameOverhead + wire.FragmentOverhead + len(frag.Payload)
				if need > budget {
					break
				}
				body, _ = wire.AppendFrame(body, ch.desc.ID, frag.Encode(nil))
				budget -= need
				refs = append(refs, msgRef{ch: ch, msgID: msg.id, frag: msg.nextFrag})
				msg.nextFrag++
				if msg.nextFrag == len(msg.frags) {
					msg.queued = false
					ch.queue = ch.queue[1:]
				}
			}
			continue
		}
		for len(ch.rawQueue) > 0 {
			payload := ch.rawQueue[0]
			need := wire.FrameOverhead + len(payload)
			if need > budget {
				break
			}
			body, _ = wire.AppendFrame(body, ch.desc.ID, payload)
			budget -= need
			ch.rawQueue = ch.rawQueue[1:]
		}
	}

	if len(body) == 0 {
		return nil
	}
	ack, bits := m.recvWin.fields()
	h := wire.Header{
		Protocol: m.cfg.Protocol,
		Seq:      m.nextPacketSeq(),
		Ack:      ack,
		AckBits:  bits,
	}
	if len(refs) > 0 {
		m.inflight[h.Seq] = &inflightPkt{sentAt: now, refs: refs}
	}
	m.stats.PacketsSent++
	return append(h.Encode(nil), body...)
}

// ProcessPacket ingests one received datagram and returns the messages it
// completed, in delivery order.
func (m *Mux) ProcessPacket(pkt []byte, now time.Time) ([]Received, error) {
	h, body, err := wire.DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Protocol != m.cfg.Protocol {
		return nil, wire.ErrChecksumMismatch
	}

	for _, seq := range ackedSeqs(h.Ack, h.AckBits) {
		m.handleAck(seq)
	}
	m.inferLoss(h.Ack, h.AckBits)

	if !m.recvWin.observe(h.Seq) {
		m.stats.Duplicates++
		return nil, nil
	}
	m.stats.PacketsReceived++
	m.ackDirty = true

	frames, err := wire.ParseFrames(body)
	if err != nil {
		return nil, err
	}
	var out []Received
	for _, f := range frames {
		ch, ok := m.byID[f.Channel]
		if !ok {
			return out, fmt.Errorf("%w: %d", ErrUnknownChannel, f.Channel)
		}
		delivered, err := m.dispatch(ch, f.Body)
		if err != nil {
			return out, err
		}
		for _, p := range delivered {
			out = append(out, Received{Channel: f.Channel, Payload: p})
		}
	}
	return out, nil
}

func (m *Mux) handleAck(seq uint16) {
	e, ok := m.inflight[seq]
	if !ok {
		return
	}
	delete(m.inflight, seq)
	for _, r := range e.refs {
		msg, ok := r.ch.pending[r.msgID]
		if !ok || msg.acked[r.frag] {
			continue
		}
		msg.acked[r.frag] = true
		msg.remain--
		if msg.remain == 0 {
			delete(r.ch.pending, r.msgID)
			m.stats.Delivered++
			if m.cfg.OnDelivered != nil {
				m.cfg.OnDelivered(r.ch.desc.ID, r.msgID)
			}
		}
	}
}

// inferLoss re-queues reliable messages carried by packets whose sequence
// has fallen out of the peer's ack window without being acknowledged.
func (m *Mux) inferLoss(ack uint16, bits uint32) {
	if ack == 0 && bits == 0 {
		return
	}
	for seq, e := range m.inflight {
		if seqDiff(ack, seq) > ackBitsSpan {
			delete(m.inflight, seq)
			m.requeue(e)
		}
	}
}

// SweepLost re-queues reliable messages whose carrying packets have been in
// flight longer than rto.  Called once per tick by the connection; it covers
// the case where traffic stops and the ack window never advances.
func (m *Mux) SweepLost(now time.Time, rto time.Duration) {
	for seq, e := range m.inflight {
		if now.Sub(e.sentAt) >= rto {
			delete(m.inflight, seq)
			m.requeue(e)
		}
	}
}

// requeue puts the reliable messages carried by a lost packet back at the
// head of their channel queues.  The message keeps its id: the receiver
// orders and deduplicates by message id, so a copy that was merely delayed
// rather than lost is absorbed as a duplicate instead of delivered twice.
func (m *Mux) requeue(e *inflightPkt) {
	touched := make(map[*outMessage]struct{})
	for _, r := range e.refs {
		msg, ok := r.ch.pending[r.msgID]
		if !ok || msg.acked[r.frag] {
			continue
		}
		if _, done := touched[msg]; done {
			continue
		}
		touched[msg] = struct{}{}
		m.stats.Lost++
		msg.nextFrag = 0
		if !msg.queued {
			msg.queued = true
			r.ch.queue = append([]*outMessage{msg}, r.ch.queue...)
		}
		m.stats.Retransmits++
		m.log.Debug("requeued lost message", "channel", r.ch.desc.ID, "msg", r.msgID)
	}
}

func (m *Mux) dispatch(ch *chanState, body []byte) ([][]byte, error) {
	switch ch.desc.Kind {
	case ReliableOrdered, ReliableUnordered:
		frag, err := wire.DecodeFragment(body)
		if err != nil {
			return nil, err
		}
		return m.receiveFragment(ch, frag), nil
	case UnreliableSequenced:
		seq, payload, err := wire.DecodeSequenced(body)
		if err != nil {
			return nil, err
		}
		if ch.haveSeq && seqDiff(seq, ch.latestSeq) <= 0 {
			m.stats.Stale++
			return nil, nil
		}
		ch.latestSeq = seq
		ch.haveSeq = true
		return [][]byte{payload}, nil
	default:
		return [][]byte{body}, nil
	}
}

func (m *Mux) receiveFragment(ch *chanState, frag wire.Fragment) [][]byte {
	if m.isDuplicateMessage(ch, frag.MessageID) {
		m.stats.Duplicates++
		return nil
	}
	p, ok := ch.reassembly[frag.MessageID]
	if !ok {
		p = &partial{frags: make([][]byte, frag.Count), count: int(frag.Count)}
		ch.reassembly[frag.MessageID] = p
	}
	if int(frag.Count) != p.count || p.frags[frag.Index] != nil {
		m.stats.Duplicates++
		return nil
	}
	b := make([]byte, len(frag.Payload))
	copy(b, frag.Payload)
	p.frags[frag.Index] = b
	p.have++
	if p.have < p.count {
		return nil
	}
	delete(ch.reassembly, frag.MessageID)
	var payload []byte
	for _, f := range p.frags {
		payload = append(payload, f...)
	}
	return m.completeMessage(ch, frag.MessageID, payload)
}

func (m *Mux) isDuplicateMessage(ch *chanState, id uint16) bool {
	if ch.desc.Kind == ReliableOrdered {
		return seqDiff(id, ch.expected) < 0
	}
	_, seen := ch.seen[id]
	return seen
}

func (m *Mux) completeMessage(ch *chanState, id uint16, payload []byte) [][]byte {
	if ch.desc.Kind == ReliableUnordered {
		ch.markSeen(id)
		return [][]byte{payload}
	}

	// Reliable ordered: present messages by ascending id, buffering gaps.
	ch.completed[id] = payload
	var out [][]byte
	for {
		p, ok := ch.completed[ch.expected]
		if !ok {
			break
		}
		delete(ch.completed, ch.expected)
		out = append(out, p)
		ch.expected++
	}
	return out
}

// markSeen records a delivered unordered message id and prunes ids too old
// to be offered again.
func (ch *chanState) markSeen(id uint16) {
	ch.seen[id] = struct{}{}
	if seqDiff(id, ch.seenNewest) > 0 {
		ch.seenNewest = id
	}
	if len(ch.seen) > 1024 {
		for old := range ch.seen {
			if seqDiff(ch.seenNewest, old) > 512 {
				delete(ch.seen, old)
			}
		}
	}
}
