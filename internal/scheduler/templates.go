package scheduler

import (
	"fmt"

	"github.com/ncondori/wasub/internal/store"
)

// reminderBody selects the message template for a trigger offset. One
// template per offset, interpolating name, service, plan, expiry date
// and days remaining.
func reminderBody(c *store.Customer, days int) string {
	date := c.ExpiryDate.Format("02/01/2006")

	switch days {
	case 3:
		return fmt.Sprintf(
			"Hi %s! Your %s subscription (%s plan) expires in 3 days, on %s. Renew early to keep your service running without interruption.",
			c.Name, c.ServiceName, c.PlanName, date,
		)
	case 2:
		return fmt.Sprintf(
			"Hi %s, just a reminder: your %s subscription (%s plan) expires in 2 days, on %s.",
			c.Name, c.ServiceName, c.PlanName, date,
		)
	case 1:
		return fmt.Sprintf(
			"Hi %s, your %s subscription (%s plan) expires TOMORROW, %s. Renew today to avoid losing access.",
			c.Name, c.ServiceName, c.PlanName, date,
		)
	default:
		return fmt.Sprintf(
			"Hi %s, your %s subscription (%s plan) expires TODAY, %s. Renew now or your service will be interrupted.",
			c.Name, c.ServiceName, c.PlanName, date,
		)
	}
}
