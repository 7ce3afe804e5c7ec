package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/pool"
	"fwdmail/relay/internal/queue"
	"fwdmail/relay/internal/storage/memory"
)

// fakeTransport 记录发送请求，可按需注入失败。
type fakeTransport struct {
	mu       sync.Mutex
	sendErr  error
	from     string
	to       string
	message  []byte
	sent     int
}

func (t *fakeTransport) Send(from, to string, message []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.from = from
	t.to = to
	t.message = append([]byte(nil), message...)
	t.sent++
	return nil
}

func (t *fakeTransport) snapshot() (string, string, string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.from, t.to, string(t.message), t.sent
}

func newForwarderFixture(t *testing.T, transport Transport, quoteBody bool) (*Forwarder, *memory.Store, *queue.Queue) {
	t.Helper()

	store := memory.NewStore()
	events := queue.New()

	workers := pool.New(2, 16, zap.NewNop())
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)

	return NewForwarder(transport, store, events, workers, quoteBody, nil, zap.NewNop()), store, events
}

func testMailbox() *domain.Mailbox {
	return &domain.Mailbox{
		ID:             "mb-1",
		Address:        "alice@fwd.mail",
		LocalPart:      "alice",
		Domain:         "fwd.mail",
		AccountID:      "acct-1",
		ForwardEnabled: true,
	}
}

func testOwner() *domain.Account {
	return &domain.Account{ID: "acct-1", Email: "owner@real.example", IsActive: true}
}

func parseTestMessage(t *testing.T, raw string) *ParsedMessage {
	t.Helper()
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestForwarder(t *testing.T) {
	rawMessage := "Message-Id: <abc@sender.example>\r\n" +
		"From: <sender@remote.example>\r\n" +
		"Subject: Weekly Report\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"body line one\r\nbody line two\r\n"

	t.Run("成功转发改写信头并记状态300", func(t *testing.T) {
		transport := &fakeTransport{}
		forwarder, store, events := newForwarderFixture(t, transport, false)
		mailbox := testMailbox()
		require.NoError(t, store.SaveMailbox(mailbox))

		forwarder.Forward(parseTestMessage(t, rawMessage), mailbox, testOwner(), "sender@remote.example")

		assert.Eventually(t, func() bool {
			_, _, _, sent := transport.snapshot()
			return sent == 1 && events.Len() == 1
		}, 2*time.Second, 10*time.Millisecond)

		from, to, message, _ := transport.snapshot()
		assert.Equal(t, "alice@fwd.mail", from)
		assert.Equal(t, "owner@real.example", to)
		assert.Contains(t, message, "From: <alice@fwd.mail>\r\n")
		assert.Contains(t, message, "To: <owner@real.example>\r\n")
		assert.Contains(t, message, "Reply-To: <sender@remote.example>\r\n")
		assert.Contains(t, message, "Subject: Weekly Report\r\n")
		assert.Contains(t, message, "Auto-Submitted: auto-forwarded\r\n")
		assert.Contains(t, message, "X-Loopbreaker: "+LoopMarkerValue("alice@fwd.mail"))
		assert.Contains(t, message, "@fwd.mail>")
		assert.Contains(t, message, "body line one")
		assert.NotContains(t, message, "Cc:")
		assert.NotContains(t, message, "Bcc:")

		drained := events.Drain()
		require.Len(t, drained, 1)
		assert.Equal(t, domain.StatusForwarded, drained[0].Status)
		assert.Equal(t, "sender@remote.example", drained[0].From)
		assert.Equal(t, "alice@fwd.mail", drained[0].To)
		assert.Equal(t, "owner@real.example", drained[0].ForwardTarget)

		stored, err := store.GetMailboxByAddress("alice", "fwd.mail")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.ForwardCount)
	})

	t.Run("引用包装模式重排正文", func(t *testing.T) {
		transport := &fakeTransport{}
		forwarder, store, _ := newForwarderFixture(t, transport, true)
		mailbox := testMailbox()
		require.NoError(t, store.SaveMailbox(mailbox))

		forwarder.Forward(parseTestMessage(t, rawMessage), mailbox, testOwner(), "sender@remote.example")

		assert.Eventually(t, func() bool {
			_, _, _, sent := transport.snapshot()
			return sent == 1
		}, 2*time.Second, 10*time.Millisecond)

		_, _, message, _ := transport.snapshot()
		assert.Contains(t, message, "---------- Forwarded message ----------")
		assert.Contains(t, message, "> body line one")
		assert.Contains(t, message, "> body line two")
	})

	t.Run("转发目标非法记状态400", func(t *testing.T) {
		transport := &fakeTransport{}
		forwarder, store, events := newForwarderFixture(t, transport, false)
		mailbox := testMailbox()
		require.NoError(t, store.SaveMailbox(mailbox))

		badOwner := &domain.Account{ID: "acct-1", Email: "not-an-address", IsActive: true}
		forwarder.Forward(parseTestMessage(t, rawMessage), mailbox, badOwner, "sender@remote.example")

		assert.Eventually(t, func() bool {
			return events.Len() == 1
		}, 2*time.Second, 10*time.Millisecond)

		drained := events.Drain()
		require.Len(t, drained, 1)
		assert.Equal(t, domain.StatusForwardFailed, drained[0].Status)

		_, _, _, sent := transport.snapshot()
		assert.Zero(t, sent)
	})

	t.Run("传输失败记状态400且不递增计数", func(t *testing.T) {
		transport := &fakeTransport{sendErr: errors.New("upstream refused")}
		forwarder, store, events := newForwarderFixture(t, transport, false)
		mailbox := testMailbox()
		require.NoError(t, store.SaveMailbox(mailbox))

		forwarder.Forward(parseTestMessage(t, rawMessage), mailbox, testOwner(), "sender@remote.example")

		assert.Eventually(t, func() bool {
			return events.Len() == 1
		}, 2*time.Second, 10*time.Millisecond)

		drained := events.Drain()
		require.Len(t, drained, 1)
		assert.Equal(t, domain.StatusForwardFailed, drained[0].Status)
		assert.Equal(t, "owner@real.example", drained[0].ForwardTarget)

		stored, err := store.GetMailboxByAddress("alice", "fwd.mail")
		require.NoError(t, err)
		assert.Zero(t, stored.ForwardCount)
	})
}
