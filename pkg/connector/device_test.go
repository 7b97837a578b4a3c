package connector

import (
	"context"

	"github.com/gopcua/opcua/ua"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
)

func registryConfig() *config.Config {
	enabled := true
	return &config.Config{
		ID:   "test-id",
		Name: "test-connector",
		Type: "opcua",
		Server: config.ServerConfig{
			URL:                 "opc.tcp://localhost:4840",
			EnableSubscriptions: &enabled,
		},
		Mapping: []config.MappingTemplate{
			{
				DeviceNodePattern: `Root\.Objects\.Machines\.Room\d+`,
				DeviceInfo: config.DeviceInfoConfig{
					DeviceNameExpression:    `Device ${Root\.Objects\.Machines\.Room\d+\.serial}`,
					DeviceProfileExpression: "default",
				},
				Converter:  "uplink",
				Attributes: []config.KeyPath{{Key: "serial", Path: "serial"}},
				Timeseries: []config.KeyPath{{Key: "temp", Path: "temperature"}},
			},
		},
	}
}

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		cfg      *config.Config
		root     *fakeNode
		session  *fakeSession
		resolver *Resolver
		subs     *SubscriptionManager
		registry *Registry
		emitted  []*gateway.TelemetryRecord
	)

	scan := func() ScanResult {
		result, err := registry.Scan(ctx)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return result
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = registryConfig()
		root = newPlantTree()
		session = newFakeSession(root)
		emitted = nil

		log := zaptest.NewLogger(GinkgoT()).Sugar()
		resolver = NewResolver(session, log)
		subs = NewSubscriptionManager(&cfg.Server, session, log)
		registry = NewRegistry(cfg, func(r *gateway.TelemetryRecord) { emitted = append(emitted, r) }, log)
		registry.Attach(session, resolver, subs)
	})

	Describe("Scan", func() {
		It("discovers one device per pattern match, named by the zipped expression", func() {
			result := scan()
			Expect(result.Added).To(ConsistOf("Device R1", "Device R2"))
			Expect(result.Removed).To(BeEmpty())

			devices := registry.Devices()
			Expect(devices).To(HaveLen(2))
			Expect(devices[0].Name).To(Equal("Device R1"))
			Expect(devices[1].Name).To(Equal("Device R2"))
			Expect(devices[0].Path.String()).To(Equal("0:Objects.2:Machines.2:Room1"))
			Expect(devices[1].Path.String()).To(Equal("0:Objects.2:Machines.2:Room2"))
		})

		It("resolves bindings relative to the device subtree and subscribes them", func() {
			scan()

			for _, dev := range registry.Devices() {
				for _, b := range dev.Bindings {
					Expect(b.Valid).To(BeTrue(), "binding %s/%s", dev.Name, b.Key)
					Expect(b.NodeID).NotTo(BeNil())
					Expect(b.Subscribed).To(BeTrue())
				}
			}
			Expect(session.sub.monitoredCount()).To(Equal(4))
		})

		It("is idempotent, keeping device identity across scans", func() {
			scan()
			before := registry.Devices()
			scan()
			after := registry.Devices()

			Expect(after).To(HaveLen(len(before)))
			for i := range before {
				Expect(after[i]).To(BeIdenticalTo(before[i]))
			}
			Expect(session.sub.monitoredCount()).To(Equal(4))
		})

		It("removes a device exactly once when its subtree disappears", func() {
			scan()
			Expect(registry.Devices()).To(HaveLen(2))

			machines := root.find("Objects", "Machines")
			machines.children = machines.children[:1] // drop Room2

			result := scan()
			Expect(result.Removed).To(ConsistOf("Device R2"))
			Expect(registry.Devices()).To(HaveLen(1))
			Expect(registry.Devices()[0].Name).To(Equal("Device R1"))
			Expect(session.sub.monitoredCount()).To(Equal(2))

			result = scan()
			Expect(result.Removed).To(BeEmpty())
			Expect(registry.Devices()).To(HaveLen(1))
		})

		It("skips duplicate device names from one pattern", func() {
			root.find("Objects", "Machines", "Room2", "serial").value = "R1"

			scan()
			Expect(registry.Devices()).To(HaveLen(1))
		})

		It("accepts literal node ids as binding paths", func() {
			cfg.Mapping[0].Timeseries = append(cfg.Mapping[0].Timeseries,
				config.KeyPath{Key: "direct", Path: "ns=2;s=temperature"})

			scan()
			dev, ok := registry.Device("Device R1")
			Expect(ok).To(BeTrue())

			var direct *NodeBinding
			for _, b := range dev.Bindings {
				if b.Key == "direct" {
					direct = b
				}
			}
			Expect(direct).NotTo(BeNil())
			Expect(direct.Valid).To(BeTrue())
			Expect(direct.NodeID.String()).To(Equal("ns=2;s=temperature"))
		})

		It("leaves a binding invalid when its path does not resolve", func() {
			cfg.Mapping[0].Timeseries = append(cfg.Mapping[0].Timeseries,
				config.KeyPath{Key: "missing", Path: "pressure"})

			scan()
			dev, _ := registry.Device("Device R1")
			for _, b := range dev.Bindings {
				if b.Key == "missing" {
					Expect(b.Valid).To(BeFalse())
				} else {
					Expect(b.Valid).To(BeTrue())
				}
			}
		})
	})

	Describe("Attach", func() {
		It("invalidates all bindings but keeps the devices", func() {
			scan()
			before := registry.Devices()

			fresh := newFakeSession(root)
			registry.Attach(fresh, NewResolver(fresh, zaptest.NewLogger(GinkgoT()).Sugar()), subs)

			Expect(registry.Devices()).To(HaveLen(len(before)))
			for _, dev := range registry.Devices() {
				for _, b := range dev.Bindings {
					Expect(b.Valid).To(BeFalse())
				}
			}
		})

		It("re-resolves bindings via their recorded qualified paths on rescan", func() {
			scan()

			fresh := newFakeSession(root)
			registry.Attach(fresh, NewResolver(fresh, zaptest.NewLogger(GinkgoT()).Sugar()), subs)
			scan()

			for _, dev := range registry.Devices() {
				for _, b := range dev.Bindings {
					Expect(b.Valid).To(BeTrue())
				}
			}
		})
	})

	Describe("PollOnce", func() {
		It("reads all valid bindings in one batch and emits one record per device", func() {
			scan()
			emitted = nil

			Expect(registry.PollOnce(ctx)).To(Succeed())
			Expect(emitted).To(HaveLen(2))

			byName := map[string]*gateway.TelemetryRecord{}
			for _, r := range emitted {
				byName[r.DeviceName] = r
			}
			r1 := byName["Device R1"]
			Expect(r1).NotTo(BeNil())
			Expect(r1.Attributes).To(ConsistOf(map[string]any{"serial": "R1"}))
			Expect(r1.Telemetry).To(HaveLen(1))
			Expect(r1.Telemetry[0].Values).To(HaveKeyWithValue("temp", 23.5))
		})

		It("resets a binding on a binding-local status and keeps the rest", func() {
			scan()
			emitted = nil

			root.find("Objects", "Machines", "Room1", "temperature").readErr = ua.StatusBadNodeIDUnknown

			Expect(registry.PollOnce(ctx)).To(Succeed())

			dev, _ := registry.Device("Device R1")
			for _, b := range dev.Bindings {
				if b.Key == "temp" {
					Expect(b.Valid).To(BeFalse())
				}
			}
			// Room2 still delivered.
			Expect(emitted).NotTo(BeEmpty())
		})

		It("does nothing when no bindings are valid", func() {
			Expect(registry.PollOnce(ctx)).To(Succeed())
			Expect(emitted).To(BeEmpty())
		})

		It("propagates session errors", func() {
			scan()
			session.readErr = ua.StatusBadSessionClosed
			Expect(registry.PollOnce(ctx)).To(MatchError(ua.StatusBadSessionClosed))
		})
	})
})
