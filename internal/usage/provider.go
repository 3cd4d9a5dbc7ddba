package usage

// Provider is the narrow view the scheduler and capacity monitor consume.
type Provider interface {
	CurrentDailyUsage() DailyUsage
	ActiveTasks() int
	DailyBudget() float64
}

// defaultDailyBudget is applied when no budget is configured so the
// capacity percentage stays meaningful for consumers that divide by it.
const defaultDailyBudget = 100

type managerProvider struct {
	manager *Manager
}

// NewProvider projects a Manager onto the Provider surface.
func NewProvider(m *Manager) Provider {
	return &managerProvider{manager: m}
}

func (p *managerProvider) CurrentDailyUsage() DailyUsage {
	return p.manager.Snapshot().Daily
}

func (p *managerProvider) ActiveTasks() int {
	return p.manager.Snapshot().ActiveTasks
}

func (p *managerProvider) DailyBudget() float64 {
	if budget := p.manager.Snapshot().Limits.DailyBudget; budget > 0 {
		return budget
	}
	return defaultDailyBudget
}
