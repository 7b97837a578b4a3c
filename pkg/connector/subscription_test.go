package connector

import (
	"context"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/converter"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
)

var _ = Describe("SubscriptionManager", func() {
	var (
		ctx     context.Context
		cfg     config.ServerConfig
		session *fakeSession
		subs    *SubscriptionManager
		dev     *Device
	)

	newBinding := func(key, section string) *NodeBinding {
		return &NodeBinding{
			Key:     key,
			Section: section,
			NodeID:  ua.NewStringNodeID(2, key),
			Valid:   true,
		}
	}

	notification := func(items ...*ua.MonitoredItemNotification) *gopcua.PublishNotificationData {
		return &gopcua.PublishNotificationData{
			Value: &ua.DataChangeNotification{MonitoredItems: items},
		}
	}

	item := func(handle uint32, dv *ua.DataValue) *ua.MonitoredItemNotification {
		return &ua.MonitoredItemNotification{ClientHandle: handle, Value: dv}
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = config.ServerConfig{URL: "opc.tcp://localhost:4840", SubscriptionIntervalMillis: 100}
		session = newFakeSession(newPlantTree())
		log := zaptest.NewLogger(GinkgoT()).Sugar()
		subs = NewSubscriptionManager(&cfg, session, log)

		conv, err := converter.New("uplink", "Device R1", "default", log)
		Expect(err).NotTo(HaveOccurred())
		dev = &Device{Name: "Device R1", Type: "default", PushConverter: conv}
	})

	It("creates the shared subscription lazily and reuses it", func() {
		a := newBinding("temperature", converter.SectionTimeseries)
		b := newBinding("humidity", converter.SectionTimeseries)

		Expect(subs.EnsureSubscribed(ctx, dev, a)).To(Succeed())
		Expect(subs.EnsureSubscribed(ctx, dev, b)).To(Succeed())

		Expect(a.Subscribed).To(BeTrue())
		Expect(b.Subscribed).To(BeTrue())
		Expect(a.ClientHandle).NotTo(Equal(b.ClientHandle))
		Expect(session.sub.monitoredCount()).To(Equal(2))
	})

	It("is a no-op for an already subscribed binding", func() {
		a := newBinding("temperature", converter.SectionTimeseries)
		Expect(subs.EnsureSubscribed(ctx, dev, a)).To(Succeed())
		Expect(subs.EnsureSubscribed(ctx, dev, a)).To(Succeed())
		Expect(session.sub.monitoredCount()).To(Equal(1))
	})

	It("drops the shared subscription once the last item is gone", func() {
		a := newBinding("temperature", converter.SectionTimeseries)
		Expect(subs.EnsureSubscribed(ctx, dev, a)).To(Succeed())

		Expect(subs.Unsubscribe(ctx, a)).To(Succeed())
		Expect(a.Subscribed).To(BeFalse())

		subs.DropIfIdle(ctx)
		Expect(session.sub.cancelled).To(BeTrue())
	})

	Describe("HandleNotification", func() {
		var (
			emitted []*gateway.TelemetryRecord
			resets  []*NodeBinding
			emit    func(*gateway.TelemetryRecord)
			reset   func(*Device, *NodeBinding)
		)

		BeforeEach(func() {
			emitted = nil
			resets = nil
			emit = func(r *gateway.TelemetryRecord) { emitted = append(emitted, r) }
			reset = func(_ *Device, b *NodeBinding) { resets = append(resets, b) }
		})

		It("routes data changes to the owning device's converter", func() {
			a := newBinding("temperature", converter.SectionTimeseries)
			Expect(subs.EnsureSubscribed(ctx, dev, a)).To(Succeed())

			subs.HandleNotification(notification(
				item(a.ClientHandle, &ua.DataValue{Status: ua.StatusOK, Value: ua.MustVariant(42.0)}),
			), emit, reset)

			Expect(emitted).To(HaveLen(1))
			Expect(emitted[0].DeviceName).To(Equal("Device R1"))
			Expect(emitted[0].Telemetry[0].Values).To(HaveKeyWithValue("temperature", 42.0))
		})

		It("ignores unknown client handles", func() {
			subs.HandleNotification(notification(
				item(999, &ua.DataValue{Status: ua.StatusOK, Value: ua.MustVariant(int64(1))}),
			), emit, reset)
			Expect(emitted).To(BeEmpty())
		})

		It("resets the binding on a binding-local status", func() {
			a := newBinding("temperature", converter.SectionTimeseries)
			Expect(subs.EnsureSubscribed(ctx, dev, a)).To(Succeed())

			subs.HandleNotification(notification(
				item(a.ClientHandle, &ua.DataValue{Status: ua.StatusBadNodeIDUnknown}),
			), emit, reset)

			Expect(emitted).To(BeEmpty())
			Expect(resets).To(ConsistOf(a))
		})

		It("groups items from several bindings of one device into one record", func() {
			a := newBinding("temperature", converter.SectionTimeseries)
			b := newBinding("humidity", converter.SectionTimeseries)
			Expect(subs.EnsureSubscribed(ctx, dev, a)).To(Succeed())
			Expect(subs.EnsureSubscribed(ctx, dev, b)).To(Succeed())

			subs.HandleNotification(notification(
				item(a.ClientHandle, &ua.DataValue{Status: ua.StatusOK, Value: ua.MustVariant(1.0)}),
				item(b.ClientHandle, &ua.DataValue{Status: ua.StatusOK, Value: ua.MustVariant(2.0)}),
			), emit, reset)

			Expect(emitted).To(HaveLen(1))
			Expect(emitted[0].Telemetry[0].Values).To(HaveLen(2))
		})
	})
})
