package ttadapter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

type PollModel struct {
	Code      string
	ChannelID string
	OwnerID   string
	ContextID string
	DisplayID string
	Prompt    string
	Options   []string
	// StartedAt, ClosesAt - unix milliseconds.
	StartedAt int64
	ClosesAt  int64
}

type VoteModel struct {
	ID      string
	Code    string
	VoterID string
	Option  int
}

const (
	pollModelFields = 9
	voteModelFields = 4
)

func NewPollModel(rec *domain.PollRecord) *PollModel {
	return &PollModel{
		Code:      rec.Code,
		ChannelID: rec.ChannelID,
		OwnerID:   rec.OwnerID,
		ContextID: rec.ContextID,
		DisplayID: rec.DisplayID,
		Prompt:    rec.Prompt,
		Options:   rec.Options,
		StartedAt: rec.StartedAt.UnixMilli(),
		ClosesAt:  rec.ClosesAt.UnixMilli(),
	}
}

func (p *PollModel) ToRecord() *domain.PollRecord {
	return &domain.PollRecord{
		Code:      p.Code,
		ChannelID: p.ChannelID,
		OwnerID:   p.OwnerID,
		ContextID: p.ContextID,
		DisplayID: p.DisplayID,
		Prompt:    p.Prompt,
		Options:   p.Options,
		StartedAt: time.UnixMilli(p.StartedAt).UTC(),
		ClosesAt:  time.UnixMilli(p.ClosesAt).UTC(),
	}
}

func (p *PollModel) EncodeMsgpack(e *msgpack.Encoder) error {
	if err := e.EncodeArrayLen(pollModelFields); err != nil {
		return err
	}
	for _, s := range []string{p.Code, p.ChannelID, p.OwnerID, p.ContextID, p.DisplayID, p.Prompt} {
		if err := e.EncodeString(s); err != nil {
			return err
		}
	}
	if err := e.EncodeArrayLen(len(p.Options)); err != nil {
		return err
	}
	for _, opt := range p.Options {
		if err := e.EncodeString(opt); err != nil {
			return err
		}
	}
	if err := e.EncodeInt(p.StartedAt); err != nil {
		return err
	}
	if err := e.EncodeInt(p.ClosesAt); err != nil {
		return err
	}
	return nil
}

func (p *PollModel) DecodeMsgpack(d *msgpack.Decoder) error {
	var err error
	var l int
	if l, err = d.DecodeArrayLen(); err != nil {
		return err
	}
	if l != pollModelFields {
		return fmt.Errorf("array len doesn't match: %d", l)
	}
	for _, s := range []*string{&p.Code, &p.ChannelID, &p.OwnerID, &p.ContextID, &p.DisplayID, &p.Prompt} {
		if *s, err = d.DecodeString(); err != nil {
			return err
		}
	}
	if l, err = d.DecodeArrayLen(); err != nil {
		return err
	}
	p.Options = make([]string, max(l, 0))
	for i := range p.Options {
		if p.Options[i], err = d.DecodeString(); err != nil {
			return err
		}
	}
	if p.StartedAt, err = d.DecodeInt64(); err != nil {
		return err
	}
	if p.ClosesAt, err = d.DecodeInt64(); err != nil {
		return err
	}
	return nil
}

func NewVoteModel(code string, voterID string, option int) *VoteModel {
	return &VoteModel{
		ID:      uuid.NewString(),
		Code:    code,
		VoterID: voterID,
		Option:  option,
	}
}

func (v *VoteModel) ToRecord() domain.VoteRecord {
	return domain.VoteRecord{
		Code:    v.Code,
		VoterID: v.VoterID,
		Option:  v.Option,
	}
}

func (v *VoteModel) EncodeMsgpack(e *msgpack.Encoder) error {
	if err := e.EncodeArrayLen(voteModelFields); err != nil {
		return err
	}
	if err := e.EncodeString(v.ID); err != nil {
		return err
	}
	if err := e.EncodeString(v.Code); err != nil {
		return err
	}
	if err := e.EncodeString(v.VoterID); err != nil {
		return err
	}
	if err := e.EncodeInt(int64(v.Option)); err != nil {
		return err
	}
	return nil
}

func (v *VoteModel) DecodeMsgpack(d *msgpack.Decoder) error {
	var err error
	var l int
	if l, err = d.DecodeArrayLen(); err != nil {
		return err
	}
	if l != voteModelFields {
		return fmt.Errorf("array len doesn't match: %d", l)
	}
	if v.ID, err = d.DecodeString(); err != nil {
		return err
	}
	if v.Code, err = d.DecodeString(); err != nil {
		return err
	}
	if v.VoterID, err = d.DecodeString(); err != nil {
		return err
	}
	if v.Option, err = d.DecodeInt(); err != nil {
		return err
	}
	return nil
}
