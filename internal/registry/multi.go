package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/hewenyu/announced/internal/mdns"
	"github.com/hewenyu/announced/internal/model"
)

// rollbackTimeout 是回滚已发布目标的最长时间，调用方的ctx可能已经取消
const rollbackTimeout = 5 * time.Second

// multiAnnouncer 依次把公告发布到多个目标
type multiAnnouncer struct {
	announcers []mdns.Announcer
}

// Multi 组合多个公告目标
// Register 按顺序发布，任一失败时撤销已发布的目标；Unregister 按相反顺序撤销并合并错误
func Multi(announcers ...mdns.Announcer) mdns.Announcer {
	if len(announcers) == 1 {
		return announcers[0]
	}
	return &multiAnnouncer{announcers: announcers}
}

func (m *multiAnnouncer) Register(ctx context.Context, ann *model.ServiceAnnouncement) error {
	for i, a := range m.announcers {
		if err := a.Register(ctx, ann); err != nil {
			return multierr.Append(fmt.Errorf("发布服务公告失败: %w", err), m.rollback(i, ann))
		}
	}
	return nil
}

func (m *multiAnnouncer) Unregister(ctx context.Context, ann *model.ServiceAnnouncement) error {
	var errs error
	for i := len(m.announcers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, m.announcers[i].Unregister(ctx, ann))
	}
	return errs
}

// rollback 按相反顺序撤销前n个已发布的目标
func (m *multiAnnouncer) rollback(n int, ann *model.ServiceAnnouncement) error {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	var errs error
	for j := n - 1; j >= 0; j-- {
		if err := m.announcers[j].Unregister(ctx, ann); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("回滚服务公告失败: %w", err))
		}
	}
	return errs
}
