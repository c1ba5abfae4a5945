package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/announced/internal/config"
)

// 这些测试需要一个正在运行的etcd实例
// 可以通过docker运行: docker run -d --name etcd-test -p 2379:2379 bitnami/etcd:3.5 --allow-none-authentication
func newTestEtcdAnnouncer(t *testing.T) *EtcdAnnouncer {
	t.Helper()

	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("跳过测试，ETCD_ENDPOINTS 未设置")
	}

	a, err := NewEtcdAnnouncer(EtcdConfig{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
		Prefix:      "/announced-test/services/",
		TTL:         5 * time.Second,
	}, config.NewNopLogger())
	require.NoError(t, err, "连接etcd失败")
	t.Cleanup(func() { a.Close() })

	return a
}

func TestEtcdAnnouncerKey(t *testing.T) {
	a := &EtcdAnnouncer{cfg: EtcdConfig{Prefix: "/announced/services/"}}
	ann := testAnnouncement(t)

	assert.Equal(t, "/announced/services/example.local._http._tcp.local.", a.Key(ann))
}

func TestEtcdAnnouncerRegisterAndUnregister(t *testing.T) {
	a := newTestEtcdAnnouncer(t)
	ctx := context.Background()
	ann := testAnnouncement(t)

	require.NoError(t, a.Register(ctx, ann))

	record, err := a.Get(ctx, ann)
	require.NoError(t, err)
	assert.Equal(t, ann.Instance, record.Instance)
	assert.Equal(t, ann.Port, record.Port)
	assert.Equal(t, "/", record.Properties["path"])
	require.Len(t, record.Addresses, 1)
	assert.Equal(t, "127.0.0.1", record.Addresses[0].String())

	assert.Error(t, a.Register(ctx, ann), "重复登记应失败")

	require.NoError(t, a.Unregister(ctx, ann))

	_, err = a.Get(ctx, ann)
	assert.ErrorIs(t, err, ErrNotRegistered, "撤销租约后键应被删除")

	assert.ErrorIs(t, a.Unregister(ctx, ann), ErrNotRegistered)
}

func TestEtcdAnnouncerLeaseIsKeptAlive(t *testing.T) {
	a := newTestEtcdAnnouncer(t)
	ctx := context.Background()
	ann := testAnnouncement(t)

	require.NoError(t, a.Register(ctx, ann))
	defer a.Unregister(ctx, ann)

	// 超过TTL后键仍然存在
	time.Sleep(7 * time.Second)
	_, err := a.Get(ctx, ann)
	assert.NoError(t, err)
}
