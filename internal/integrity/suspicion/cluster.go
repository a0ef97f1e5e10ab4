package suspicion

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/agromarket/internal/model"
)

// Policy задаёт окно обнаружения и минимальный размер серии.
type Policy struct {
	Window     time.Duration
	MinCluster int
}

// DefaultPolicy считает подозрительными два и более заказа за десять минут.
func DefaultPolicy() Policy {
	return Policy{Window: 10 * time.Minute, MinCluster: 2}
}

// Verdict содержит результат оценки нового заказа.
type Verdict struct {
	Flagged bool
	// FreshWindow означает, что предыдущий подозрительный заказ слишком стар и проигнорирован.
	FreshWindow bool
	OrderIDs    []int64
	Total       decimal.Decimal
	Reason      string
}

// Cluster решает, образует ли trigger подозрительную серию.
// latest: последний уже помеченный открытый заказ покупателя или nil;
// candidates: другие открытые заказы покупателя из окна, заканчивающегося на trigger.CreatedAt.
func Cluster(trigger model.Order, latest *model.Order, candidates []model.Order, p Policy) Verdict {
	if trigger.Status != model.OrderStatusPending {
		return Verdict{}
	}

	var v Verdict
	if latest != nil && trigger.CreatedAt.Sub(latest.CreatedAt) > p.Window {
		v.FreshWindow = true
		latest = nil
	}

	from := trigger.CreatedAt.Add(-p.Window)
	seen := map[int64]bool{trigger.ID: true}
	members := []model.Order{trigger}
	add := func(o model.Order) {
		if seen[o.ID] || !o.Status.IsOpen() {
			return
		}
		if o.CreatedAt.Before(from) || o.CreatedAt.After(trigger.CreatedAt) {
			return
		}
		seen[o.ID] = true
		members = append(members, o)
	}
	for _, o := range candidates {
		add(o)
	}
	if latest != nil {
		add(*latest)
	}

	if len(members) < p.MinCluster {
		return v
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})

	total := decimal.Zero
	ids := make([]int64, 0, len(members))
	for _, o := range members {
		total = total.Add(o.Total)
		ids = append(ids, o.ID)
	}

	v.Flagged = true
	v.OrderIDs = ids
	v.Total = total
	v.Reason = Reason(len(members), p.Window, total)
	return v
}

// Reason формирует текст причины пометки.
func Reason(count int, window time.Duration, total decimal.Decimal) string {
	return fmt.Sprintf("%d orders placed within %d minutes, total %s",
		count, int(window.Minutes()), total.StringFixed(2))
}
