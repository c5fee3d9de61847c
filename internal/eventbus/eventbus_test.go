package eventbus

import "testing"

func TestFireOrderGlobalSourceEvent(t *testing.T) {
	b := New()
	var order []string
	b.RegisterGlobal(func(ev Event, _ any) { order = append(order, "global") })
	b.RegisterSource("DVBAdapter", func(ev Event, _ any) { order = append(order, "source") })
	b.RegisterEvent("DVBAdapter", "Locked", func(ev Event, _ any) { order = append(order, "event") })

	b.Fire(Event{Source: "DVBAdapter", Name: "Locked"}, nil)

	want := []string{"global", "source", "event"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFireDoesNotDeliverToUnrelatedSourceOrEvent(t *testing.T) {
	b := New()
	fired := false
	b.RegisterEvent("DVBAdapter", "Locked", func(Event, any) { fired = true })
	b.Fire(Event{Source: "DVBAdapter", Name: "Unlocked"}, nil)
	if fired {
		t.Fatal("listener for a different event must not fire")
	}
}

func TestReentrantRegisterDuringFireDoesNotDeadlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	b.RegisterGlobal(func(Event, any) {
		b.RegisterGlobal(func(Event, any) {})
		h := b.RegisterSource("X", func(Event, any) {})
		b.Unregister(h)
		close(done)
	})
	b.Fire(Event{Source: "X", Name: "Y"}, nil)
	select {
	case <-done:
	default:
		t.Fatal("nested registration during Fire did not complete")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	h := b.RegisterEvent("DVBAdapter", "Locked", func(Event, any) { count++ })
	b.Fire(Event{Source: "DVBAdapter", Name: "Locked"}, nil)
	b.Unregister(h)
	b.Fire(Event{Source: "DVBAdapter", Name: "Locked"}, nil)
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
