package server_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

var _ = Describe("Server Endpoints Integration Tests", func() {
	var session *types.SessionInfo

	BeforeEach(func() {
		var err error
		session, err = client.CreateSession(ctx, "citest")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if session != nil {
			client.DeleteSession(ctx, session.ID)
			session = nil
		}
	})

	// ==================== Session Endpoints ====================
	Describe("Session Endpoints", func() {
		Describe("GET /session", func() {
			It("should list sessions", func() {
				sessions, err := client.ListSessions(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(len(sessions)).To(BeNumerically(">=", 1))

				// Verify our session is in the list
				found := false
				for _, s := range sessions {
					if s.ID == session.ID {
						found = true
						break
					}
				}
				Expect(found).To(BeTrue())
			})
		})

		Describe("POST /session", func() {
			It("should create a session owned by the calling client", func() {
				owned, err := client.As("panel-1").CreateSession(ctx, "owned")
				Expect(err).NotTo(HaveOccurred())
				defer client.DeleteSession(ctx, owned.ID)

				Expect(owned.ID).NotTo(BeEmpty())
				Expect(owned.Name).To(Equal("owned"))
				Expect(owned.Ownership.Owner).To(Equal("panel-1"))
				Expect(owned.Ownership.Subscribers).To(ContainElement("panel-1"))
				Expect(owned.State.Phase).To(Equal(types.PhaseIdle))
			})
		})

		Describe("GET /session/{sessionID}", func() {
			It("should retrieve session by ID", func() {
				retrieved, err := client.GetSession(ctx, session.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(retrieved.ID).To(Equal(session.ID))
			})

			It("should return 404 for non-existent session", func() {
				resp, err := client.Get(ctx, "/session/non-existent-id")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(404))
				Expect(resp.ErrorCode()).To(Equal("NOT_FOUND"))
			})
		})

		Describe("PATCH /session/{sessionID}", func() {
			It("should rename the session", func() {
				resp, err := client.Patch(ctx, "/session/"+session.ID, map[string]string{
					"name": "renamed",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.IsSuccess()).To(BeTrue())

				updated, err := client.GetSession(ctx, session.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(updated.Name).To(Equal("renamed"))
			})
		})

		Describe("DELETE /session/{sessionID}", func() {
			It("should delete session", func() {
				doomed, err := client.CreateSession(ctx, "doomed")
				Expect(err).NotTo(HaveOccurred())

				Expect(client.DeleteSession(ctx, doomed.ID)).To(Succeed())

				resp, err := client.Get(ctx, "/session/"+doomed.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(404))
			})
		})

		Describe("Subscribers", func() {
			It("should let a client join and leave a session", func() {
				resp, err := client.As("viewer-9").Post(ctx, "/session/"+session.ID+"/subscribers", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.IsSuccess()).To(BeTrue())

				var info types.SessionInfo
				Expect(resp.JSON(&info)).To(Succeed())
				Expect(info.Ownership.Subscribers).To(ContainElement("viewer-9"))

				resp, err = client.As("viewer-9").Delete(ctx, "/session/"+session.ID+"/subscribers")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.IsSuccess()).To(BeTrue())
				Expect(resp.JSON(&info)).To(Succeed())
				Expect(info.Ownership.Subscribers).NotTo(ContainElement("viewer-9"))
			})

			It("should refuse to let the owner unsubscribe", func() {
				owned, err := client.As("owner-x").CreateSession(ctx, "held")
				Expect(err).NotTo(HaveOccurred())
				defer client.DeleteSession(ctx, owned.ID)

				resp, err := client.As("owner-x").Delete(ctx, "/session/"+owned.ID+"/subscribers")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(409))
				Expect(resp.ErrorCode()).To(Equal("CONFLICT"))
			})
		})

		Describe("POST /session/{sessionID}/owner", func() {
			It("should transfer ownership", func() {
				resp, err := client.Post(ctx, "/session/"+session.ID+"/owner", map[string]string{
					"clientID": "successor",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.IsSuccess()).To(BeTrue())

				var info types.SessionInfo
				Expect(resp.JSON(&info)).To(Succeed())
				Expect(info.Ownership.Owner).To(Equal("successor"))
			})
		})
	})

	// ==================== Input and Turns ====================
	Describe("Input Flow", func() {
		It("should run a full turn and echo the input", func() {
			Expect(client.SendInput(ctx, session.ID, "ping")).To(Succeed())

			Eventually(func() []event.Type {
				events, err := client.SessionEvents(ctx, session.ID)
				if err != nil {
					return nil
				}
				var seen []event.Type
				for _, env := range events {
					seen = append(seen, env.Type)
				}
				return seen
			}, "5s", "50ms").Should(ContainElements(
				event.InputReceived,
				event.OutputDelta,
				event.TurnCompleted,
			))

			// The scriptless mock echoes its input back.
			events, err := client.SessionEvents(ctx, session.ID)
			Expect(err).NotTo(HaveOccurred())
			for _, env := range events {
				if env.Type == event.OutputDelta {
					Expect(env.Payload.(event.OutputDeltaPayload).Text).To(ContainSubstring("ping"))
				}
			}

			info, err := client.GetSession(ctx, session.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.State.Phase).To(Equal(types.PhaseIdle))
		})

		It("should reject empty input", func() {
			resp, err := client.Post(ctx, "/session/"+session.ID+"/input", map[string]string{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(400))
			Expect(resp.ErrorCode()).To(Equal("INVALID_REQUEST"))
		})
	})

	// ==================== Permission Flow ====================
	Describe("Permission Flow", func() {
		It("should gate a turn on approval and resume it", func() {
			id, err := testServer.NewScriptedSession(ctx, "gated", backend.MockTurn{
				Deltas:     []string{"about to run"},
				Usage:      types.Usage{InputTokens: 3, OutputTokens: 5},
				Permission: &backend.MockPermission{Tool: "bash", Title: "rm -rf ./scratch"},
			})
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, id)

			Expect(client.SendInput(ctx, id, "clean up")).To(Succeed())

			var requestID string
			Eventually(func() types.Phase {
				info, err := client.GetSession(ctx, id)
				if err != nil {
					return ""
				}
				requestID = info.State.RequestID
				return info.State.Phase
			}, "5s", "50ms").Should(Equal(types.PhaseWaitingPermission))
			Expect(requestID).NotTo(BeEmpty())

			// A second input is refused while the turn is parked.
			resp, err := client.Post(ctx, "/session/"+id+"/input", map[string]string{"text": "again"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(409))

			Expect(client.RespondPermission(ctx, id, requestID, true)).To(Succeed())

			Eventually(func() []event.Type {
				events, err := client.SessionEvents(ctx, id)
				if err != nil {
					return nil
				}
				var seen []event.Type
				for _, env := range events {
					seen = append(seen, env.Type)
				}
				return seen
			}, "5s", "50ms").Should(ContainElements(
				event.PermissionRequested,
				event.PermissionResolved,
				event.TurnCompleted,
			))

			events, err := client.SessionEvents(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			for _, env := range events {
				if env.Type == event.PermissionResolved {
					p := env.Payload.(event.PermissionResolvedPayload)
					Expect(p.RequestID).To(Equal(requestID))
					Expect(p.Approved).To(BeTrue())
				}
			}
		})

		It("should return 404 for an unknown permission request", func() {
			resp, err := client.Post(ctx, "/session/"+session.ID+"/permissions/req-unknown", map[string]bool{
				"approved": true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(404))
		})
	})

	// ==================== History ====================
	Describe("GET /session/{sessionID}/history", func() {
		It("should serve the archived events of a session", func() {
			Expect(client.SendInput(ctx, session.ID, "remember me")).To(Succeed())

			// The archiver trails the log; poll until the turn landed.
			var history []event.Envelope
			Eventually(func() int {
				var err error
				history, err = client.SessionHistory(ctx, session.ID)
				if err != nil {
					return 0
				}
				count := 0
				for _, env := range history {
					if env.Type == event.TurnCompleted {
						count++
					}
				}
				return count
			}, "5s", "50ms").Should(BeNumerically(">=", 1))

			for i := 1; i < len(history); i++ {
				Expect(history[i].Seq).To(BeNumerically(">", history[i-1].Seq))
			}
			Expect(history[0].Type).To(Equal(event.SessionCreated))
		})
	})

	// ==================== Replay ====================
	Describe("GET /event/replay", func() {
		It("should replay the log in sequence order", func() {
			Expect(client.SendInput(ctx, session.ID, "mark")).To(Succeed())

			Eventually(func() int {
				events, _ := client.SessionEvents(ctx, session.ID)
				return len(events)
			}, "5s", "50ms").Should(BeNumerically(">=", 3))

			all, err := client.Replay(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).NotTo(BeEmpty())
			for i := 1; i < len(all); i++ {
				Expect(all[i].Seq).To(Equal(all[i-1].Seq + 1))
			}

			// from= is strictly-after.
			cut := all[len(all)/2].Seq
			tail, err := client.Replay(ctx, cut)
			Expect(err).NotTo(HaveOccurred())
			Expect(tail).NotTo(BeEmpty())
			Expect(tail[0].Seq).To(Equal(cut + 1))
			for _, env := range tail {
				Expect(env.Seq).To(BeNumerically(">", cut))
			}
		})

		It("should reject a malformed cursor", func() {
			resp, err := client.Get(ctx, "/event/replay?from=yesterday")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(400))
		})
	})
})
