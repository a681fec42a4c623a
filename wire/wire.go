// Package wire implements the proposer<->acceptor message formats from
// spec.md §6: fixed little-endian binary layouts, one message per frame.
// Framing (how a frame's boundaries are found on the byte stream) is the
// transport's job, not this package's; see safekeeper.Transport.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"WP/term"
)

// Tag identifies a message's wire format. Tags are transmitted as a full
// 8-byte little-endian word (spec.md §6: "tag(8)"), not a single byte,
// matching the original protocol's word-aligned framing.
type Tag uint64

const (
	TagProposerGreeting Tag = 'g'
	TagVoteRequest      Tag = 'v'
	TagProposerElected  Tag = 'e'
	TagAppendRequest    Tag = 'a'
)

// UUID is a 16-byte identifier: tenant id, timeline id, or proposer id.
type UUID [16]byte

func (u UUID) String() string {
	return fmt.Sprintf("%x", [16]byte(u))
}

// errShort is returned when a buffer is too small to hold the next field;
// callers treat it like any other protocol-tag-mismatch failure (spec.md §7).
var errShort = fmt.Errorf("wire: message truncated")

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u32(v uint32) { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) u64(v uint64) { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) i64(v int64)  { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) tag(t Tag)    { e.u64(uint64(t)) }
func (e *encoder) lsn(l term.LSN) { e.u64(uint64(l)) }
func (e *encoder) term(t term.Term) { e.u64(uint64(t)) }
func (e *encoder) uuid(u UUID)  { e.buf.Write(u[:]) }
func (e *encoder) raw(b []byte) { e.buf.Write(b) }
func (e *encoder) history(h term.History) {
	e.u32(uint32(len(h)))
	for _, entry := range h {
		e.term(entry.Term)
		e.lsn(entry.LSN)
	}
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) need(n int) error {
	if d.off+n > len(d.buf) {
		return errShort
	}
	return nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) i64() (int64, error) {
	v, err := d.u64()
	return int64(v), err
}

func (d *decoder) tag() (Tag, error) {
	v, err := d.u64()
	return Tag(v), err
}

func (d *decoder) lsn() (term.LSN, error) {
	v, err := d.u64()
	return term.LSN(v), err
}

func (d *decoder) term() (term.Term, error) {
	v, err := d.u64()
	return term.Term(v), err
}

func (d *decoder) uuid() (UUID, error) {
	var u UUID
	if err := d.need(16); err != nil {
		return u, err
	}
	copy(u[:], d.buf[d.off:d.off+16])
	d.off += 16
	return u, nil
}

func (d *decoder) raw(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += n
	return out, nil
}

func (d *decoder) history() (term.History, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	h := make(term.History, n)
	for i := range h {
		t, err := d.term()
		if err != nil {
			return nil, err
		}
		l, err := d.lsn()
		if err != nil {
			return nil, err
		}
		h[i] = term.Entry{Term: t, LSN: l}
	}
	return h, nil
}

// ---- ProposerGreeting ----

type ProposerGreeting struct {
	ProtocolVersion uint32
	PgVersion       uint32
	ProposerID      UUID
	SystemID        uint64
	TimelineID      UUID
	TenantID        UUID
	TimelineOrdinal uint32
	WalSegSize      uint32
}

func (m ProposerGreeting) Encode() []byte {
	var e encoder
	e.tag(TagProposerGreeting)
	e.u32(m.ProtocolVersion)
	e.u32(m.PgVersion)
	e.uuid(m.ProposerID)
	e.u64(m.SystemID)
	e.uuid(m.TimelineID)
	e.uuid(m.TenantID)
	e.u32(m.TimelineOrdinal)
	e.u32(m.WalSegSize)
	return e.buf.Bytes()
}

func DecodeProposerGreeting(b []byte) (ProposerGreeting, error) {
	d := decoder{buf: b}
	var m ProposerGreeting
	t, err := d.tag()
	if err != nil {
		return m, err
	}
	if t != TagProposerGreeting {
		return m, fmt.Errorf("wire: expected ProposerGreeting tag, got %v", t)
	}
	if m.ProtocolVersion, err = d.u32(); err != nil {
		return m, err
	}
	if m.PgVersion, err = d.u32(); err != nil {
		return m, err
	}
	if m.ProposerID, err = d.uuid(); err != nil {
		return m, err
	}
	if m.SystemID, err = d.u64(); err != nil {
		return m, err
	}
	if m.TimelineID, err = d.uuid(); err != nil {
		return m, err
	}
	if m.TenantID, err = d.uuid(); err != nil {
		return m, err
	}
	if m.TimelineOrdinal, err = d.u32(); err != nil {
		return m, err
	}
	if m.WalSegSize, err = d.u32(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- VoteRequest ----

type VoteRequest struct {
	Term       term.Term
	ProposerID UUID
}

func (m VoteRequest) Encode() []byte {
	var e encoder
	e.tag(TagVoteRequest)
	e.term(m.Term)
	e.uuid(m.ProposerID)
	return e.buf.Bytes()
}

func DecodeVoteRequest(b []byte) (VoteRequest, error) {
	d := decoder{buf: b}
	var m VoteRequest
	t, err := d.tag()
	if err != nil {
		return m, err
	}
	if t != TagVoteRequest {
		return m, fmt.Errorf("wire: expected VoteRequest tag, got %v", t)
	}
	if m.Term, err = d.term(); err != nil {
		return m, err
	}
	if m.ProposerID, err = d.uuid(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- ProposerElected ----

type ProposerElected struct {
	Term             term.Term
	StartStreamingAt term.LSN
	History          term.History
	TimelineStartLsn term.LSN
}

func (m ProposerElected) Encode() []byte {
	var e encoder
	e.tag(TagProposerElected)
	e.term(m.Term)
	e.lsn(m.StartStreamingAt)
	e.history(m.History)
	e.lsn(m.TimelineStartLsn)
	return e.buf.Bytes()
}

func DecodeProposerElected(b []byte) (ProposerElected, error) {
	d := decoder{buf: b}
	var m ProposerElected
	t, err := d.tag()
	if err != nil {
		return m, err
	}
	if t != TagProposerElected {
		return m, fmt.Errorf("wire: expected ProposerElected tag, got %v", t)
	}
	if m.Term, err = d.term(); err != nil {
		return m, err
	}
	if m.StartStreamingAt, err = d.lsn(); err != nil {
		return m, err
	}
	if m.History, err = d.history(); err != nil {
		return m, err
	}
	if m.TimelineStartLsn, err = d.lsn(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- AppendRequest ----

type AppendRequest struct {
	Term          term.Term
	EpochStartLsn term.LSN
	BeginLsn      term.LSN
	EndLsn        term.LSN
	CommitLsn     term.LSN
	TruncateLsn   term.LSN
	ProposerID    UUID
	Payload       []byte
}

func (m AppendRequest) Encode() []byte {
	var e encoder
	e.tag(TagAppendRequest)
	e.term(m.Term)
	e.lsn(m.EpochStartLsn)
	e.lsn(m.BeginLsn)
	e.lsn(m.EndLsn)
	e.lsn(m.CommitLsn)
	e.lsn(m.TruncateLsn)
	e.uuid(m.ProposerID)
	e.raw(m.Payload)
	return e.buf.Bytes()
}

// AppendRequestHeaderSize is the number of bytes preceding the WAL payload.
const AppendRequestHeaderSize = 8 + 8*6 + 16

func DecodeAppendRequest(b []byte) (AppendRequest, error) {
	d := decoder{buf: b}
	var m AppendRequest
	t, err := d.tag()
	if err != nil {
		return m, err
	}
	if t != TagAppendRequest {
		return m, fmt.Errorf("wire: expected AppendRequest tag, got %v", t)
	}
	if m.Term, err = d.term(); err != nil {
		return m, err
	}
	if m.EpochStartLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.BeginLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.EndLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.CommitLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.TruncateLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.ProposerID, err = d.uuid(); err != nil {
		return m, err
	}
	m.Payload, err = d.raw(len(d.buf) - d.off)
	if err != nil {
		return m, err
	}
	return m, nil
}

// ---- AcceptorGreeting ----

type AcceptorGreeting struct {
	Term   term.Term
	NodeID uint64
}

func (m AcceptorGreeting) Encode() []byte {
	var e encoder
	e.tag(TagProposerGreeting)
	e.term(m.Term)
	e.u64(m.NodeID)
	return e.buf.Bytes()
}

func DecodeAcceptorGreeting(b []byte) (AcceptorGreeting, error) {
	d := decoder{buf: b}
	var m AcceptorGreeting
	t, err := d.tag()
	if err != nil {
		return m, err
	}
	if t != TagProposerGreeting {
		return m, fmt.Errorf("wire: expected AcceptorGreeting tag, got %v", t)
	}
	if m.Term, err = d.term(); err != nil {
		return m, err
	}
	if m.NodeID, err = d.u64(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- VoteResponse ----

type VoteResponse struct {
	Term             term.Term
	VoteGiven        bool
	FlushLsn         term.LSN
	TruncateLsn      term.LSN
	History          term.History
	TimelineStartLsn term.LSN
}

func (m VoteResponse) Encode() []byte {
	var e encoder
	e.tag(TagVoteRequest)
	e.term(m.Term)
	if m.VoteGiven {
		e.u64(1)
	} else {
		e.u64(0)
	}
	e.lsn(m.FlushLsn)
	e.lsn(m.TruncateLsn)
	e.history(m.History)
	e.lsn(m.TimelineStartLsn)
	return e.buf.Bytes()
}

func DecodeVoteResponse(b []byte) (VoteResponse, error) {
	d := decoder{buf: b}
	var m VoteResponse
	t, err := d.tag()
	if err != nil {
		return m, err
	}
	if t != TagVoteRequest {
		return m, fmt.Errorf("wire: expected VoteResponse tag, got %v", t)
	}
	if m.Term, err = d.term(); err != nil {
		return m, err
	}
	voteGiven, err := d.u64()
	if err != nil {
		return m, err
	}
	m.VoteGiven = voteGiven != 0
	if m.FlushLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.TruncateLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.History, err = d.history(); err != nil {
		return m, err
	}
	if m.TimelineStartLsn, err = d.lsn(); err != nil {
		return m, err
	}
	return m, nil
}

// ---- Pageserver feedback block ----

// Known feedback keys (spec.md §6). Any other key is skipped by its declared
// length, preserving forward compatibility (P8 in spec.md §8).
const (
	FeedbackCurrentTimelineSize = "current_timeline_size"
	FeedbackWriteLsnA           = "ps_writelsn"
	FeedbackWriteLsnB           = "last_received_lsn"
	FeedbackFlushLsnA           = "ps_flushlsn"
	FeedbackFlushLsnB           = "disk_consistent_lsn"
	FeedbackApplyLsnA           = "ps_applylsn"
	FeedbackApplyLsnB           = "remote_consistent_lsn"
	FeedbackReplyTimeA          = "ps_replytime"
	FeedbackReplyTimeB          = "replytime"
)

// Feedback holds the fields the proposer actually understands; unknown keys
// are dropped after being skipped over (their presence, beyond not erroring,
// is not otherwise observable).
type Feedback struct {
	HasCurrentTimelineSize bool
	CurrentTimelineSize    uint64
	HasWriteLsn            bool
	WriteLsn               term.LSN
	HasFlushLsn            bool
	FlushLsn               term.LSN
	HasApplyLsn            bool
	ApplyLsn               term.LSN
	HasReplyTime           bool
	ReplyTime              int64
}

func encodeKV(e *encoder, key string, val []byte) {
	e.raw([]byte(key))
	e.buf.WriteByte(0)
	e.u32(uint32(len(val)))
	e.raw(val)
}

func (f Feedback) Encode() []byte {
	var e encoder
	var n byte
	if f.HasCurrentTimelineSize {
		n++
	}
	if f.HasWriteLsn {
		n++
	}
	if f.HasFlushLsn {
		n++
	}
	if f.HasApplyLsn {
		n++
	}
	if f.HasReplyTime {
		n++
	}
	e.buf.WriteByte(n)
	if f.HasCurrentTimelineSize {
		var v encoder
		v.u64(f.CurrentTimelineSize)
		encodeKV(&e, FeedbackCurrentTimelineSize, v.buf.Bytes())
	}
	if f.HasWriteLsn {
		var v encoder
		v.u64(uint64(f.WriteLsn))
		encodeKV(&e, FeedbackWriteLsnB, v.buf.Bytes())
	}
	if f.HasFlushLsn {
		var v encoder
		v.u64(uint64(f.FlushLsn))
		encodeKV(&e, FeedbackFlushLsnB, v.buf.Bytes())
	}
	if f.HasApplyLsn {
		var v encoder
		v.u64(uint64(f.ApplyLsn))
		encodeKV(&e, FeedbackApplyLsnB, v.buf.Bytes())
	}
	if f.HasReplyTime {
		var v encoder
		v.i64(f.ReplyTime)
		encodeKV(&e, FeedbackReplyTimeB, v.buf.Bytes())
	}
	return e.buf.Bytes()
}

func DecodeFeedback(d *decoder) (Feedback, error) {
	var f Feedback
	if err := d.need(1); err != nil {
		return f, err
	}
	n := d.buf[d.off]
	d.off++
	for i := byte(0); i < n; i++ {
		keyStart := d.off
		for {
			if err := d.need(1); err != nil {
				return f, err
			}
			if d.buf[d.off] == 0 {
				break
			}
			d.off++
		}
		key := string(d.buf[keyStart:d.off])
		d.off++ // skip NUL
		valLen, err := d.u32()
		if err != nil {
			return f, err
		}
		val, err := d.raw(int(valLen))
		if err != nil {
			return f, err
		}
		vd := decoder{buf: val}
		switch key {
		case FeedbackCurrentTimelineSize:
			v, err := vd.u64()
			if err != nil {
				return f, err
			}
			f.HasCurrentTimelineSize = true
			f.CurrentTimelineSize = v
		case FeedbackWriteLsnA, FeedbackWriteLsnB:
			v, err := vd.u64()
			if err != nil {
				return f, err
			}
			f.HasWriteLsn = true
			f.WriteLsn = term.LSN(v)
		case FeedbackFlushLsnA, FeedbackFlushLsnB:
			v, err := vd.u64()
			if err != nil {
				return f, err
			}
			f.HasFlushLsn = true
			f.FlushLsn = term.LSN(v)
		case FeedbackApplyLsnA, FeedbackApplyLsnB:
			v, err := vd.u64()
			if err != nil {
				return f, err
			}
			f.HasApplyLsn = true
			f.ApplyLsn = term.LSN(v)
		case FeedbackReplyTimeA, FeedbackReplyTimeB:
			v, err := vd.i64()
			if err != nil {
				return f, err
			}
			f.HasReplyTime = true
			f.ReplyTime = v
		default:
			// unknown key: already consumed by length above, nothing to do.
		}
	}
	return f, nil
}

// ---- AppendResponse ----

type AppendResponse struct {
	Term          term.Term
	FlushLsn      term.LSN
	CommitLsn     term.LSN
	HsTs          int64
	HsXmin        uint64
	HsCatalogXmin uint64
	Feedback      Feedback
}

func (m AppendResponse) Encode() []byte {
	var e encoder
	e.tag(TagAppendRequest)
	e.term(m.Term)
	e.lsn(m.FlushLsn)
	e.lsn(m.CommitLsn)
	e.i64(m.HsTs)
	e.u64(m.HsXmin)
	e.u64(m.HsCatalogXmin)
	e.raw(m.Feedback.Encode())
	return e.buf.Bytes()
}

func DecodeAppendResponse(b []byte) (AppendResponse, error) {
	d := decoder{buf: b}
	var m AppendResponse
	t, err := d.tag()
	if err != nil {
		return m, err
	}
	if t != TagAppendRequest {
		return m, fmt.Errorf("wire: expected AppendResponse tag, got %v", t)
	}
	if m.Term, err = d.term(); err != nil {
		return m, err
	}
	if m.FlushLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.CommitLsn, err = d.lsn(); err != nil {
		return m, err
	}
	if m.HsTs, err = d.i64(); err != nil {
		return m, err
	}
	if m.HsXmin, err = d.u64(); err != nil {
		return m, err
	}
	if m.HsCatalogXmin, err = d.u64(); err != nil {
		return m, err
	}
	// Feedback block is optional: a short acceptor implementation may omit
	// it entirely, which is not an error.
	if d.off < len(d.buf) {
		m.Feedback, err = DecodeFeedback(&d)
		if err != nil {
			return m, err
		}
	}
	return m, nil
}

// XLog page geometry, matching Postgres's own constants: every WAL page
// starts with a header, long at a segment boundary and short otherwise.
const (
	XLogBlockSize         = 8192
	XLogShortPageHeaderSize = 24
	XLogLongPageHeaderSize  = 40
)

// SkipHeader advances lsn past the XLog page header: a long header if lsn
// sits at a WAL segment boundary, a short header if it sits at a page
// (block) boundary, matching spec.md §4.4's cross-check computation.
func SkipHeader(lsn term.LSN, segSize uint64, blockSize uint64, longHeaderLen uint64, shortHeaderLen uint64) term.LSN {
	if segSize == 0 || blockSize == 0 {
		return lsn
	}
	if uint64(lsn)%segSize == 0 {
		return lsn + term.LSN(longHeaderLen)
	}
	if uint64(lsn)%blockSize == 0 {
		return lsn + term.LSN(shortHeaderLen)
	}
	return lsn
}
