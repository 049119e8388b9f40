package server_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/switchboard-ai/switchboard/citest/testutil"
	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

const streamTimeout = 5 * time.Second

var _ = Describe("Event Streams", func() {
	var session *types.SessionInfo

	BeforeEach(func() {
		var err error
		session, err = client.CreateSession(ctx, "stream-test")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if session != nil {
			client.DeleteSession(ctx, session.ID)
			session = nil
		}
	})

	// ==================== SSE ====================
	Describe("GET /event (SSE)", func() {
		It("should open with a connected preamble and stream a turn live", func() {
			sse := testServer.SSEClient()
			Expect(sse.Connect(ctx, "/event")).To(Succeed())
			defer sse.Close()

			seq, err := sse.WaitForConnected(streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(seq).To(BeNumerically(">", 0))

			Expect(client.SendInput(ctx, session.ID, "live ping")).To(Succeed())

			input, err := sse.WaitForEnvelope(event.InputReceived, streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(input.SessionID).To(Equal(session.ID))
			Expect(input.Seq).To(BeNumerically(">", seq))

			delta, err := sse.WaitForEnvelope(event.OutputDelta, streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(delta.Payload.(event.OutputDeltaPayload).Text).To(ContainSubstring("live ping"))

			done, err := sse.WaitForEnvelope(event.TurnCompleted, streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Seq).To(BeNumerically(">", delta.Seq))
		})

		It("should narrow the stream to one session", func() {
			other, err := client.CreateSession(ctx, "other")
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, other.ID)

			sse := testServer.SSEClient()
			Expect(sse.Connect(ctx, "/event?sessionID="+session.ID)).To(Succeed())
			defer sse.Close()
			_, err = sse.WaitForConnected(streamTimeout)
			Expect(err).NotTo(HaveOccurred())

			// Traffic on the other session first; the filtered stream
			// must deliver only ours.
			Expect(client.SendInput(ctx, other.ID, "noise")).To(Succeed())
			Expect(client.SendInput(ctx, session.ID, "signal")).To(Succeed())

			input, err := sse.WaitForEnvelope(event.InputReceived, streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(input.SessionID).To(Equal(session.ID))
			Expect(input.Payload.(event.InputPayload).Text).To(Equal("signal"))
		})
	})

	// ==================== WebSocket ====================
	Describe("GET /ws", func() {
		It("should replay history on subscribe and hand off to live exactly", func() {
			Expect(client.SendInput(ctx, session.ID, "first")).To(Succeed())
			Eventually(func() int {
				events, _ := client.SessionEvents(ctx, session.ID)
				count := 0
				for _, env := range events {
					if env.Type == event.TurnCompleted {
						count++
					}
				}
				return count
			}, "5s", "50ms").Should(Equal(1))

			ws, err := testutil.DialWS(ctx, testServer.BaseURL, "ws-citest")
			Expect(err).NotTo(HaveOccurred())
			defer ws.Close()

			Expect(ws.Subscribe(ctx, true, session.ID)).To(Succeed())

			ack, err := ws.Read(streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(ack.Type).To(Equal("ack"))
			Expect(ack.SessionIDs).To(ConsistOf(session.ID))
			Expect(ack.History).NotTo(BeEmpty())
			for i := 1; i < len(ack.History); i++ {
				Expect(ack.History[i].Seq).To(BeNumerically(">", ack.History[i-1].Seq))
			}
			tail := ack.History[len(ack.History)-1].Seq

			// The next turn arrives live, strictly after the replayed tail.
			Expect(ws.SendInput(ctx, session.ID, "second")).To(Succeed())

			input, err := ws.WaitForEnvelope(event.InputReceived, streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(input.Seq).To(Equal(tail + 1))
			Expect(input.Payload.(event.InputPayload).Origin).To(Equal("ws-citest"))

			done, err := ws.WaitForEnvelope(event.TurnCompleted, streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(done.SessionID).To(Equal(session.ID))
		})

		It("should report input failures as error frames", func() {
			ws, err := testutil.DialWS(ctx, testServer.BaseURL, "")
			Expect(err).NotTo(HaveOccurred())
			defer ws.Close()

			Expect(ws.SendInput(ctx, "no-such-session", "hello")).To(Succeed())

			frame, err := ws.Read(streamTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(frame.Type).To(Equal("error"))
			Expect(frame.SessionID).To(Equal("no-such-session"))
			Expect(frame.Message).To(ContainSubstring("not found"))
		})
	})
})
