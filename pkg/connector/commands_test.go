package connector

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
)

var _ = Describe("CommandDispatcher", func() {
	var (
		ctx        context.Context
		cfg        *config.Config
		root       *fakeNode
		session    *fakeSession
		registry   *Registry
		rt         *Runtime
		sink       *collectorSink
		dispatcher *CommandDispatcher
	)

	rpc := func(device, method, params string, id int64) []byte {
		if device == "" {
			return []byte(fmt.Sprintf(`{"data":{"method":%q,"params":%s,"id":%d}}`, method, params, id))
		}
		return []byte(fmt.Sprintf(`{"device":%q,"data":{"method":%q,"params":%s,"id":%d}}`, device, method, params, id))
	}

	lastReply := func() rpcReply {
		replies := sink.repliesSnapshot()
		ExpectWithOffset(1, replies).NotTo(BeEmpty())
		return replies[len(replies)-1]
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = registryConfig()
		cfg.Mapping[0].AttributeUpdates = []config.AttributeUpdate{
			{Key: "targetTemp", Value: "temperature"},
		}
		cfg.Mapping[0].RPCMethods = []config.RPCMethod{
			{Method: "restart", Arguments: []any{"soft"}},
		}
		Expect(cfg.Normalize()).To(Succeed())

		root = newPlantTree()
		session = newFakeSession(root)
		log := zaptest.NewLogger(GinkgoT()).Sugar()
		resolver := NewResolver(session, log)
		subs := NewSubscriptionManager(&cfg.Server, session, log)
		registry = NewRegistry(cfg, func(*gateway.TelemetryRecord) {}, log)
		registry.Attach(session, resolver, subs)
		_, err := registry.Scan(ctx)
		Expect(err).NotTo(HaveOccurred())

		rt = &Runtime{Session: session, Resolver: resolver, Registry: registry, Subs: subs}
		sink = &collectorSink{}

		// Commands execute inline: the test stands in for the protocol goroutine.
		schedule := func(op func(ctx context.Context)) error {
			op(ctx)
			return nil
		}
		dispatcher = NewCommandDispatcher(cfg, sink, func() *Runtime { return rt }, schedule, log)
	})

	Describe("reserved get", func() {
		It("reads a literal node id and replies 200", func() {
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "get", `"ns=2;s=temperature"`, 7))

			reply := lastReply()
			Expect(reply.device).To(Equal("Device R1"))
			Expect(reply.requestID).To(Equal(int64(7)))
			Expect(reply.content).To(HaveKeyWithValue("code", 200))
			Expect(reply.content["get"]).To(HaveKeyWithValue("value", 23.5))
		})

		It("rejects a params string with too few arguments", func() {
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "get", `"justone"`, 8))

			reply := lastReply()
			Expect(reply.content).To(HaveKeyWithValue("code", 400))
			Expect(reply.content).To(HaveKeyWithValue("get", "Not enough arguments. Expected min 2."))
		})

		It("replies with an error and performs no write when the node is unknown", func() {
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "get", `"ns=2;s=doesNotExist"`, 9))

			reply := lastReply()
			Expect(reply.content).To(HaveKeyWithValue("code", 500))
			Expect(reply.content).To(HaveKey("error"))
			Expect(session.writesSnapshot()).To(BeEmpty())
		})
	})

	Describe("reserved set", func() {
		It("writes exactly once and replies 200", func() {
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "set", `"ns=2;s=temperature;value=42"`, 10))

			writes := session.writesSnapshot()
			Expect(writes).To(HaveLen(1))
			Expect(writes[0].id).To(Equal("ns=2;s=temperature"))
			Expect(writes[0].value).To(Equal(int64(42)))

			reply := lastReply()
			Expect(reply.content).To(HaveKeyWithValue("code", 200))
		})

		It("extracts the device from the connector-scoped method form", func() {
			dispatcher.OnServerRPC(ctx, []byte(
				`{"data":{"method":"opcua_set","params":"device=Device R1;ns=2;s=temperature;value=5","id":11}}`))

			Expect(session.writesSnapshot()).NotTo(BeEmpty())
			Expect(lastReply().device).To(Equal("Device R1"))
		})
	})

	Describe("device methods", func() {
		It("invokes a declared method on the device subtree and replies 200", func() {
			session.callResult = "done"
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "restart", `["hard"]`, 12))

			Expect(session.calls).To(HaveLen(1))
			Expect(session.calls[0].objectID).To(Equal(root.find("Objects", "Machines", "Room1").ID().String()))
			Expect(session.calls[0].methodID).To(Equal("ns=2;s=restart"))
			Expect(session.calls[0].args).To(Equal([]any{"hard"}))

			reply := lastReply()
			Expect(reply.content).To(HaveKeyWithValue("code", 200))
			Expect(reply.content).To(HaveKeyWithValue("restart", "done"))
		})

		It("falls back to the template's default arguments", func() {
			session.callResult = "done"
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "restart", "null", 13))

			Expect(session.calls).To(HaveLen(1))
			Expect(session.calls[0].args).To(Equal([]any{"soft"}))
		})

		It("replies 404 for an undeclared method", func() {
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "selfdestruct", `[]`, 14))

			reply := lastReply()
			Expect(reply.content).To(HaveKeyWithValue("code", 404))
			Expect(reply.content["error"]).To(ContainSubstring("Method not found"))
		})

		It("replies 404 for an unknown device", func() {
			dispatcher.OnServerRPC(ctx, rpc("Device R9", "restart", `[]`, 15))

			reply := lastReply()
			Expect(reply.content).To(HaveKeyWithValue("code", 404))
			Expect(reply.content["error"]).To(ContainSubstring("Device not found"))
		})

		It("replies 500 when the call fails", func() {
			session.callErr = fmt.Errorf("method exploded")
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "restart", `[]`, 16))

			reply := lastReply()
			Expect(reply.content).To(HaveKeyWithValue("code", 500))
			Expect(reply.content["error"]).To(ContainSubstring("method exploded"))
		})
	})

	Describe("scheduling", func() {
		It("looks the device up when the operation runs, not at submission", func() {
			log := zaptest.NewLogger(GinkgoT()).Sugar()
			fresh := newFakeSession(newPlantTree())
			fresh.callResult = "done"
			resolver := NewResolver(fresh, log)
			subs := NewSubscriptionManager(&cfg.Server, fresh, log)
			late := NewRegistry(cfg, func(*gateway.TelemetryRecord) {}, log)
			late.Attach(fresh, resolver, subs)
			lateRT := &Runtime{Session: fresh, Resolver: resolver, Registry: late, Subs: subs}

			ops := make(chan func(ctx context.Context), 1)
			deferred := NewCommandDispatcher(cfg, sink, func() *Runtime { return lateRT },
				func(op func(ctx context.Context)) error {
					ops <- op
					return nil
				}, log)

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				deferred.OnServerRPC(ctx, rpc("Device R1", "restart", `["hard"]`, 30))
			}()

			var op func(ctx context.Context)
			Eventually(ops).Should(Receive(&op))

			// The device only becomes known after the command was accepted.
			_, err := late.Scan(ctx)
			Expect(err).NotTo(HaveOccurred())
			op(ctx)

			Eventually(done).Should(BeClosed())
			reply := lastReply()
			Expect(reply.device).To(Equal("Device R1"))
			Expect(reply.content).To(HaveKeyWithValue("code", 200))
		})
	})

	Describe("broadcast", func() {
		It("fans a device-less RPC out to every device", func() {
			// Room2 has no restart node, so only Room1 succeeds.
			session.callResult = "done"
			dispatcher.OnServerRPC(ctx, rpc("", "restart", `{"arguments":["now"]}`, 17))

			replies := sink.repliesSnapshot()
			Expect(replies).To(HaveLen(2))

			byDevice := map[string]map[string]any{}
			for _, r := range replies {
				byDevice[r.device] = r.content
			}
			Expect(byDevice["Device R1"]).To(HaveKeyWithValue("code", 200))
			Expect(byDevice["Device R2"]).To(HaveKeyWithValue("code", 500))
		})

		It("accepts array params the same way the device-scoped path does", func() {
			session.callResult = "done"
			dispatcher.OnServerRPC(ctx, rpc("", "restart", `["now"]`, 18))

			Expect(session.calls).NotTo(BeEmpty())
			Expect(session.calls[0].args).To(Equal([]any{"now"}))
		})
	})

	Describe("OnAttributeUpdate", func() {
		It("writes the mapped node relative to the device subtree", func() {
			dispatcher.OnAttributeUpdate(ctx, "Device R1", map[string]any{"targetTemp": 21.5})

			Eventually(session.writesSnapshot).Should(HaveLen(1))
			writes := session.writesSnapshot()
			Expect(writes[0].id).To(Equal("ns=2;s=temperature"))
			Expect(writes[0].value).To(Equal(21.5))
		})

		It("drops keys without a configured mapping", func() {
			dispatcher.OnAttributeUpdate(ctx, "Device R1", map[string]any{"unmapped": 1})
			Consistently(session.writesSnapshot).Should(BeEmpty())
		})

		It("drops updates for unknown devices", func() {
			dispatcher.OnAttributeUpdate(ctx, "Device R9", map[string]any{"targetTemp": 1})
			Consistently(session.writesSnapshot).Should(BeEmpty())
		})
	})

	Describe("Stop", func() {
		It("fails pending and new commands", func() {
			dispatcher.Stop()
			dispatcher.OnServerRPC(ctx, rpc("Device R1", "get", `"ns=2;s=temperature"`, 18))

			reply := lastReply()
			Expect(reply.content).To(HaveKeyWithValue("code", 500))
		})
	})
})
