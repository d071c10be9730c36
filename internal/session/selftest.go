package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/buffer"
	"github.com/piwi3910/nebulardma/internal/channel"
	"github.com/piwi3910/nebulardma/internal/metrics"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
	"github.com/piwi3910/nebulardma/internal/wire"
)

// Self-test buffer names are "<purpose>@<channel id>".
const (
	RecvBuffer  = "recv_buffer_for_test"
	SendBuffer  = "send_buffer_for_test"
	ReadBuffer  = "read_buffer_for_test"
	WriteBuffer = "write_buffer_for_test"
	SinkBuffer  = "read_write_sink_buffer_for_test"

	// PeerSink is the cache key of the peer's sink descriptor.
	PeerSink = "rw_sink_buffer_for_test"
)

// outstandingRecvs is how many receives each channel keeps posted.
const outstandingRecvs = 2

var selfTestBuffers = []struct {
	purpose   string
	blockSize int
	numBlocks int
}{
	{RecvBuffer, 256, 10},
	{SendBuffer, 256, 10},
	{ReadBuffer, 1000, 10},
	{WriteBuffer, 1000, 10},
	{SinkBuffer, 1000, 10},
}

// BufferName returns the name of a self-test buffer on ch.
func BufferName(purpose string, ch *channel.Channel) string {
	return purpose + "@" + ch.ID()
}

// SelfTest returns the connection self-test protocol. Both peers exchange
// a greeting, swap sink descriptors and then keep writing to and reading
// back from each other's sink until the session stops.
//
// Every receive and every send owns one block of its ring buffer. Blocks
// are handed out with Next when posted and reclaimed with Last when their
// completion arrives, which is posting order on a reliable connection.
func SelfTest() Handlers {
	return Handlers{
		Established:     selfTestEstablished,
		SendDone:        selfTestSendDone,
		RecvDone:        selfTestRecvDone,
		RecvWithImmDone: selfTestRecvWithImmDone,
		WriteDone:       selfTestWriteDone,
		ReadDone:        selfTestReadDone,
	}
}

func greeting(ch *channel.Channel) string {
	return "Greetings from " + ch.String() + " for 'RDMA connection test'"
}

func lookup(ch *channel.Channel, purpose string) (*buffer.Buffer, error) {
	buf, ok := ch.FindBuffer(BufferName(purpose, ch))
	if !ok {
		return nil, rdmaerr.ProtocolViolation("buffer %s is missing on %s", purpose, ch)
	}

	return buf, nil
}

func peerSink(ch *channel.Channel) (wire.CommDescriptor, error) {
	desc, ok := ch.FindPeerBuffer(PeerSink)
	if !ok {
		return wire.CommDescriptor{}, rdmaerr.ProtocolViolation("peer sink descriptor is missing on %s", ch)
	}

	return desc, nil
}

// sendBlock fills the next free send block through fill and sends its
// first n bytes.
func sendBlock(ch *channel.Channel, tag wire.Tag, fill func(blk *buffer.Buffer) (int, error)) error {
	send, err := lookup(ch, SendBuffer)
	if err != nil {
		return err
	}

	blk, err := send.Next()
	if err != nil {
		return fmt.Errorf("send on %s: %w", ch, err)
	}

	n, err := fill(blk)
	if err == nil {
		err = ch.Send(blk, n, tag)
	}

	if err != nil {
		_, _ = send.Last()
	}

	return err
}

func sendText(ch *channel.Channel, text string, tag wire.Tag) error {
	return sendBlock(ch, tag, func(blk *buffer.Buffer) (int, error) {
		return len(text), blk.FillIn([]byte(text))
	})
}

// postRecv posts a receive into the next free block of the recv ring.
func postRecv(ch *channel.Channel) error {
	recv, err := lookup(ch, RecvBuffer)
	if err != nil {
		return err
	}

	blk, err := recv.Next()
	if err != nil {
		return fmt.Errorf("receive on %s: %w", ch, err)
	}

	blk.Clear()

	if err := ch.Recv(blk, blk.Size()); err != nil {
		_, _ = recv.Last()

		return err
	}

	return nil
}

// completedRecv reclaims the block the oldest outstanding receive landed in.
func completedRecv(ch *channel.Channel) (*buffer.Buffer, error) {
	recv, err := lookup(ch, RecvBuffer)
	if err != nil {
		return nil, err
	}

	blk, err := recv.Last()
	if err != nil {
		return nil, rdmaerr.ProtocolViolation("receive completed on %s with no receive outstanding", ch)
	}

	return blk, nil
}

func selfTestEstablished(ctx context.Context, s *Session, group []*channel.Channel) error {
	metrics.RecordHandler("established")

	for _, ch := range group {
		for _, layout := range selfTestBuffers {
			buf, err := buffer.Allocate(layout.blockSize, layout.numBlocks, BufferName(layout.purpose, ch))
			if err != nil {
				return err
			}

			if err := ch.RegisterBuffer(buf); err != nil {
				_ = buf.Release()

				return err
			}
		}

		for range outstandingRecvs {
			if err := postRecv(ch); err != nil {
				return err
			}
		}

		ep, err := s.EndPoint(ch)
		if err != nil {
			return err
		}

		if err := ep.SyncWithPeer(ctx, "self-test buffers ready"); err != nil {
			return err
		}

		if err := sendText(ch, greeting(ch)+", count: ", wire.TagTestForSyncData); err != nil {
			return err
		}

		log.Debug().Str("channel", ch.ID()).Msg("Self-test started")
	}

	return nil
}

func selfTestSendDone(_ context.Context, _ *Session, ch *channel.Channel, wc *verbs.WorkCompletion) error {
	metrics.RecordHandler("send_done")

	send, err := lookup(ch, SendBuffer)
	if err != nil {
		return err
	}

	if _, err := send.Last(); err != nil {
		return rdmaerr.ProtocolViolation("send completed on %s with no send outstanding", ch)
	}

	log.Trace().Str("channel", ch.ID()).Str("opcode", wc.Opcode.String()).Msg("Send completed")

	return nil
}

func selfTestRecvDone(_ context.Context, _ *Session, ch *channel.Channel, wc *verbs.WorkCompletion) error {
	metrics.RecordHandler("recv_done")

	if !wc.HasImm() {
		return rdmaerr.ProtocolViolation("receive on %s carries no immediate data", ch)
	}

	tag := wire.Tag(wc.ImmData)

	blk, err := completedRecv(ch)
	if err != nil {
		return err
	}

	log.Trace().
		Str("channel", ch.ID()).
		Str("tag", tag.String()).
		Uint32("bytes", wc.ByteLen).
		Msg("Receive completed")

	switch tag {
	case wire.TagRequestExchangeKey:
		var desc wire.CommDescriptor
		if err := desc.UnmarshalBinary(blk.Bytes()[:wc.ByteLen]); err != nil {
			return err
		}

		if !ch.InsertPeerBuffer(PeerSink, desc) {
			log.Debug().Str("channel", ch.ID()).Msg("Peer sink descriptor already cached")
		}

		log.Debug().Str("channel", ch.ID()).Str("peer_sink", desc.String()).Msg("Received peer sink descriptor")

		if err := postRecv(ch); err != nil {
			return err
		}

		if err := sendText(ch, greeting(ch), wire.TagResponseExchangeKey); err != nil {
			return err
		}

		return writeSink(ch, desc, wire.TagResponseExchangeKey, true)

	case wire.TagTestForSyncData:
		if err := postRecv(ch); err != nil {
			return err
		}

		sink, err := lookup(ch, SinkBuffer)
		if err != nil {
			return err
		}

		local := sink.Descriptor()

		log.Debug().Str("channel", ch.ID()).Str("local_sink", local.String()).Msg("Sending local sink descriptor")

		return sendBlock(ch, wire.TagRequestExchangeKey, func(blk *buffer.Buffer) (int, error) {
			blk.Clear()
			local.Put(blk.Bytes())

			return wire.CommDescriptorSize, nil
		})

	default:
		if err := postRecv(ch); err != nil {
			return err
		}

		return sendText(ch, greeting(ch), wire.TagUnset)
	}
}

func writeSink(ch *channel.Channel, desc wire.CommDescriptor, tag wire.Tag, notify bool) error {
	write, err := lookup(ch, WriteBuffer)
	if err != nil {
		return err
	}

	text := "[RDMA write/read test]: " + greeting(ch)
	if err := write.FillIn([]byte(text)); err != nil {
		return err
	}

	return ch.Write(write, len(text), desc, tag, notify)
}

func selfTestRecvWithImmDone(_ context.Context, _ *Session, ch *channel.Channel, wc *verbs.WorkCompletion) error {
	metrics.RecordHandler("recv_with_imm_done")

	if !wc.HasImm() {
		return rdmaerr.ProtocolViolation("write with immediate on %s carries no immediate data", ch)
	}

	log.Trace().
		Str("channel", ch.ID()).
		Str("tag", wire.Tag(wc.ImmData).String()).
		Uint32("bytes", wc.ByteLen).
		Msg("Peer wrote with immediate")

	if _, err := completedRecv(ch); err != nil {
		return err
	}

	return postRecv(ch)
}

func selfTestWriteDone(_ context.Context, _ *Session, ch *channel.Channel, wc *verbs.WorkCompletion) error {
	metrics.RecordHandler("write_done")

	desc, err := peerSink(ch)
	if err != nil {
		return err
	}

	read, err := lookup(ch, ReadBuffer)
	if err != nil {
		return err
	}

	log.Trace().Str("channel", ch.ID()).Uint32("bytes", wc.ByteLen).Msg("Write completed, reading back")

	read.Clear()

	return ch.Read(read, read.Size(), desc)
}

func selfTestReadDone(_ context.Context, _ *Session, ch *channel.Channel, wc *verbs.WorkCompletion) error {
	metrics.RecordHandler("read_done")

	desc, err := peerSink(ch)
	if err != nil {
		return err
	}

	read, err := lookup(ch, ReadBuffer)
	if err != nil {
		return err
	}

	log.Trace().
		Str("channel", ch.ID()).
		Uint32("bytes", wc.ByteLen).
		Func(func(e *zerolog.Event) { e.Str("data", cString(read.Bytes())) }).
		Msg("Read completed, writing again")

	return writeSink(ch, desc, wire.TagUnset, false)
}

// cString returns b up to its first NUL byte.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
