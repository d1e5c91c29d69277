package nat

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"natpunch/internal/natsim"
	"natpunch/pkg/probe"
)

func startEndpoint(t *testing.T, net *natsim.Network, ip string) netip.AddrPort {
	t.Helper()
	host := net.Host(ip)
	primary, err := host.Bind()
	require.NoError(t, err)
	alternate, err := host.Bind()
	require.NoError(t, err)

	srv := probe.NewServer(primary, alternate, zaptest.NewLogger(t))
	go srv.Serve()
	t.Cleanup(func() {
		primary.Close()
		alternate.Close()
	})
	return primary.LocalAddr()
}

func threeEndpoints(t *testing.T, net *natsim.Network) []netip.AddrPort {
	return []netip.AddrPort{
		startEndpoint(t, net, "9.9.9.1"),
		startEndpoint(t, net, "9.9.9.2"),
		startEndpoint(t, net, "9.9.9.3"),
	}
}

func classify(t *testing.T, host *natsim.Host, net *natsim.Network, flows int) *Report {
	t.Helper()
	pool := probe.NewPool(16, probe.WithBindFunc(host.Bind))
	c, err := NewClassifier(pool, Config{
		Endpoints:    threeEndpoints(t, net),
		ProbeTimeout: 200 * time.Millisecond,
		HistoryFlows: flows,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	report, err := c.Classify(context.Background())
	require.NoError(t, err)
	t.Cleanup(report.Close)
	return report
}

func TestClassifyOpen(t *testing.T) {
	net := natsim.New()
	report := classify(t, net.Host("7.7.7.7"), net, 0)

	assert.Equal(t, ClassOpen, report.Class)
	assert.Equal(t, report.LocalAddr, report.Mapped)
	assert.Len(t, report.Samples, 3)
}

func TestClassifyRestrictedCone(t *testing.T) {
	net := natsim.New()
	host := net.HostBehind("10.0.0.2", natsim.NATConfig{
		ExternalIP: "5.5.5.5",
		Filtering:  natsim.FilterAddr,
	})
	report := classify(t, host, net, 0)

	assert.Equal(t, ClassRestrictedCone, report.Class)
	assert.Equal(t, netip.MustParseAddr("5.5.5.5"), report.Mapped.Addr())
}

func TestClassifyPortRestrictedCone(t *testing.T) {
	net := natsim.New()
	host := net.HostBehind("10.0.0.2", natsim.NATConfig{
		ExternalIP: "5.5.5.5",
		Filtering:  natsim.FilterAddrPort,
	})
	report := classify(t, host, net, 0)

	assert.Equal(t, ClassPortRestrictedCone, report.Class)
}

func TestClassifySymmetric(t *testing.T) {
	net := natsim.New()
	host := net.HostBehind("10.0.0.2", natsim.NATConfig{
		ExternalIP: "5.5.5.5",
		Symmetric:  true,
		Filtering:  natsim.FilterAddrPort,
		Delta:      1,
	})
	report := classify(t, host, net, 0)

	assert.Equal(t, ClassSymmetric, report.Class)
	require.Len(t, report.Samples, 3)
	seen := map[netip.AddrPort]bool{}
	for _, s := range report.Samples {
		seen[s.Mapped] = true
	}
	assert.Len(t, seen, 3, "every destination gets its own mapping")
}

func TestClassifySymmetricFirewall(t *testing.T) {
	net := natsim.New()
	host := net.HostBehind("10.0.0.2", natsim.NATConfig{
		ExternalIP: "5.5.5.5",
		DropAll:    true,
	})
	report := classify(t, host, net, 0)

	assert.Equal(t, ClassSymmetricFirewall, report.Class)
	assert.Empty(t, report.Samples)
	assert.False(t, report.Mapped.IsValid())
}

func TestHistoryFlowsExtendSymmetricSamples(t *testing.T) {
	net := natsim.New()
	host := net.HostBehind("10.0.0.2", natsim.NATConfig{
		ExternalIP: "5.5.5.5",
		Symmetric:  true,
		Delta:      2,
	})
	report := classify(t, host, net, 4)

	assert.Equal(t, ClassSymmetric, report.Class)
	assert.Len(t, report.Samples, 7)
	last := report.Samples[len(report.Samples)-1]
	assert.Equal(t, last.Mapped, report.Mapped, "prediction base follows the newest allocation")

	for i := 1; i < len(report.Samples); i++ {
		delta := int(report.Samples[i].Mapped.Port()) - int(report.Samples[i-1].Mapped.Port())
		assert.Equal(t, 2, delta, "allocation walks by the NAT's delta")
	}
}

func TestHistoryFlowsDoNotDisplaceConeMapping(t *testing.T) {
	net := natsim.New()
	host := net.HostBehind("10.0.0.2", natsim.NATConfig{
		ExternalIP: "5.5.5.5",
		Filtering:  natsim.FilterAddr,
	})
	report := classify(t, host, net, 4)

	require.Len(t, report.Samples, 3, "stable classes skip history flows")
	assert.Equal(t, report.Samples[len(report.Samples)-1].Mapped, report.Mapped)
}

func TestNewClassifierRejectsTooFewEndpoints(t *testing.T) {
	net := natsim.New()
	pool := probe.NewPool(4, probe.WithBindFunc(net.Host("7.7.7.7").Bind))
	_, err := NewClassifier(pool, Config{
		Endpoints: []netip.AddrPort{
			netip.MustParseAddrPort("9.9.9.1:3478"),
			netip.MustParseAddrPort("9.9.9.2:3478"),
		},
	})
	assert.ErrorIs(t, err, ErrTooFewEndpoints)
}

func sampleWith(mapped string) Sample {
	return Sample{Mapped: netip.MustParseAddrPort(mapped)}
}

func TestDecide(t *testing.T) {
	local := netip.MustParseAddr("7.7.7.7")

	cases := []struct {
		name       string
		samples    []Sample
		class      Class
		filterTest bool
	}{
		{"no evidence", nil, ClassSymmetricFirewall, false},
		{"single sample", []Sample{sampleWith("5.5.5.5:1000")}, ClassUnknown, false},
		{"all agree, own address", []Sample{
			sampleWith("7.7.7.7:1000"), sampleWith("7.7.7.7:1000"), sampleWith("7.7.7.7:1000"),
		}, ClassOpen, false},
		{"all agree, translated", []Sample{
			sampleWith("5.5.5.5:1000"), sampleWith("5.5.5.5:1000"), sampleWith("5.5.5.5:1000"),
		}, ClassUnknown, true},
		{"all differ", []Sample{
			sampleWith("5.5.5.5:1000"), sampleWith("5.5.5.5:1001"), sampleWith("5.5.5.5:1002"),
		}, ClassSymmetric, false},
		{"contradictory", []Sample{
			sampleWith("5.5.5.5:1000"), sampleWith("5.5.5.5:1000"), sampleWith("5.5.5.5:1002"),
		}, ClassUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, filterTest := decide(tc.samples, local)
			assert.Equal(t, tc.class, class)
			assert.Equal(t, tc.filterTest, filterTest)
		})
	}
}
