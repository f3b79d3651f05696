package bus

// Target receives the notifications an engine acts on. *engine.Controller
// implements it.
type Target interface {
	SetEnabled(enabled bool)
	UpdatePrice(price float64)
}

// Bridge forwards toggleEnabled and updatePrice notifications to t until
// the returned cancel is called.
func Bridge(b *Bus, t Target) (cancel func()) {
	return b.Subscribe(func(m Message) {
		switch m.Action {
		case ActionToggle:
			if m.Enabled != nil {
				t.SetEnabled(*m.Enabled)
			}
		case ActionUpdatePrice:
			if m.Price != nil {
				t.UpdatePrice(*m.Price)
			}
		}
	})
}
