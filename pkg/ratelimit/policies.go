package ratelimit

import "time"

// PolicyConfig holds the budgets for the five admission policies. Hourly
// policies share one window; the per-chat cooldown has its own.
type PolicyConfig struct {
	GlobalHourly      int
	ChatCooldown      time.Duration
	ChatHourly        int
	GovernanceHourly  int
	AutoApproveChat   int
	AutoApproveGlobal int
	HourWindow        time.Duration
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		GlobalHourly:      1000,
		ChatCooldown:      30 * time.Second,
		ChatHourly:        30,
		GovernanceHourly:  5,
		AutoApproveChat:   10,
		AutoApproveGlobal: 100,
		HourWindow:        time.Hour,
	}
}

// Policies bundles the admission policies over one shared limiter so quota
// is consistent across process instances.
type Policies struct {
	Limiter Limiter
	Config  PolicyConfig
}

func NewPolicies(limiter Limiter, cfg PolicyConfig) *Policies {
	if cfg.HourWindow <= 0 {
		cfg.HourWindow = time.Hour
	}
	if cfg.ChatCooldown <= 0 {
		cfg.ChatCooldown = 30 * time.Second
	}
	return &Policies{Limiter: limiter, Config: cfg}
}

// ConsumeGlobal enforces the deployment-wide hourly send ceiling.
func (p *Policies) ConsumeGlobal() Decision {
	return p.Limiter.Consume("global", p.Config.GlobalHourly, p.Config.HourWindow)
}

// ConsumeChatCooldown enforces minimum spacing between automated
// interventions in one chat.
func (p *Policies) ConsumeChatCooldown(chatID string) Decision {
	return p.Limiter.Consume("chat:cooldown:"+chatID, 1, p.Config.ChatCooldown)
}

// ConsumeChatHourly bounds total interventions per chat per hour.
func (p *Policies) ConsumeChatHourly(chatID string) Decision {
	return p.Limiter.Consume("chat:hourly:"+chatID, p.Config.ChatHourly, p.Config.HourWindow)
}

// ConsumeGovernance is the separate small budget for administrative
// actions in a chat.
func (p *Policies) ConsumeGovernance(chatID string) Decision {
	return p.Limiter.Consume("gov:"+chatID, p.Config.GovernanceHourly, p.Config.HourWindow)
}

// ConsumeAutoApprove caps automated join approvals per chat and across the
// deployment. The global bucket is consumed first; a per-chat pass cannot
// override a global reject.
func (p *Policies) ConsumeAutoApprove(chatID string) Decision {
	global := p.Limiter.Consume("approve:global", p.Config.AutoApproveGlobal, p.Config.HourWindow)
	if !global.Allowed {
		return global
	}
	return p.Limiter.Consume("approve:chat:"+chatID, p.Config.AutoApproveChat, p.Config.HourWindow)
}
