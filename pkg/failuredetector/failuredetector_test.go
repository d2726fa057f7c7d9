package failuredetector

import (
	"context"
	"testing"
	"time"

	"github.com/prism-sql/ftsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	healthy bool
	typ     CheckType
}

func (f *fakeChecker) Check(ctx context.Context) Result {
	return Result{Healthy: f.healthy, CheckedAt: time.Now()}
}

func (f *fakeChecker) Type() CheckType {
	return f.typ
}

func node(addr string) types.InternalNode {
	return types.InternalNode{ID: "n1", Address: types.HostAddress(addr)}
}

func TestCompositeDetectorHealthyNodeNeverFails(t *testing.T) {
	d := NewCompositeDetector(3, time.Second, &fakeChecker{healthy: true, typ: CheckTypeTCP})
	n := node("10.0.0.1:8443")
	for i := 0; i < 10; i++ {
		require.False(t, d.IsFailed(n))
	}
}

func TestCompositeDetectorDeclaresFailedAfterRetries(t *testing.T) {
	d := NewCompositeDetector(3, time.Second, &fakeChecker{healthy: false, typ: CheckTypeTCP})
	n := node("10.0.0.1:8443")
	assert.False(t, d.IsFailed(n))
	assert.False(t, d.IsFailed(n))
	assert.True(t, d.IsFailed(n))
}

func TestCompositeDetectorResetsOnRecovery(t *testing.T) {
	checker := &fakeChecker{healthy: false, typ: CheckTypeTCP}
	d := NewCompositeDetector(3, time.Second, checker)
	n := node("10.0.0.1:8443")
	d.IsFailed(n)
	d.IsFailed(n)
	checker.healthy = true
	assert.False(t, d.IsFailed(n))
	checker.healthy = false
	assert.False(t, d.IsFailed(n))
	assert.False(t, d.IsFailed(n))
	assert.True(t, d.IsFailed(n))
}

func TestCompositeDetectorTracksNodesIndependently(t *testing.T) {
	checkerA := &fakeChecker{healthy: false, typ: CheckTypeTCP}
	d := NewCompositeDetector(2, time.Second, checkerA)
	a := node("10.0.0.1:8443")
	b := node("10.0.0.2:8443")
	assert.False(t, d.IsFailed(a))
	assert.True(t, d.IsFailed(a))
	assert.False(t, d.IsFailed(b))
}

func TestCompositeDetectorNoCheckersNeverFails(t *testing.T) {
	d := NewCompositeDetector(1, time.Second)
	assert.False(t, d.IsFailed(node("10.0.0.1:8443")))
}

func TestCompositeDetectorRequiresAllCheckersHealthy(t *testing.T) {
	healthy := &fakeChecker{healthy: true, typ: CheckTypeTCP}
	unhealthy := &fakeChecker{healthy: false, typ: CheckTypeHTTP}
	d := NewCompositeDetector(1, time.Second, healthy, unhealthy)
	assert.True(t, d.IsFailed(node("10.0.0.1:8443")))
}

func TestHTTPCheckerUnreachableAddressFails(t *testing.T) {
	c := NewHTTPChecker("http://127.0.0.1:0/v1/status").WithTimeout(10 * time.Millisecond)
	res := c.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Equal(t, CheckTypeHTTP, c.Type())
}

func TestTCPCheckerUnreachableAddressFails(t *testing.T) {
	c := NewTCPChecker("127.0.0.1:1").WithTimeout(10 * time.Millisecond)
	res := c.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Equal(t, CheckTypeTCP, c.Type())
}

func TestGRPCCheckerUnreachableAddressFails(t *testing.T) {
	c := NewGRPCChecker("127.0.0.1:1")
	c.DialTimeout = 10 * time.Millisecond
	res := c.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Equal(t, CheckTypeGRPC, c.Type())
}
