package host

import "context"

// API is the host surface used by the local process transport. It is
// served in-process by Direct and across processes by Client.
type API interface {
	Create(ctx context.Context, req CreateRequest) (Info, error)
	List(ctx context.Context) ([]Info, error)
	Owner(ctx context.Context, id string) (string, error)
	Attach(ctx context.Context, id, window string) error
	Detach(ctx context.Context, id, window string) error
	RequestYield(ctx context.Context, id, requester string) error
	Write(ctx context.Context, id, window string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows int) error
	Terminate(ctx context.Context, id string) error
	History(ctx context.Context, id string) ([]byte, error)

	// Subscribe streams supervisor events until ctx is done.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

type direct struct {
	sup *Supervisor
}

// Direct exposes a Supervisor running in the same process as an API.
func Direct(sup *Supervisor) API {
	return direct{sup: sup}
}

func (d direct) Create(_ context.Context, req CreateRequest) (Info, error) { return d.sup.Create(req) }

func (d direct) List(context.Context) ([]Info, error) { return d.sup.List(), nil }

func (d direct) Owner(_ context.Context, id string) (string, error) { return d.sup.Owner(id) }

func (d direct) Attach(_ context.Context, id, window string) error { return d.sup.Attach(id, window) }

func (d direct) Detach(_ context.Context, id, window string) error { return d.sup.Detach(id, window) }

func (d direct) RequestYield(_ context.Context, id, requester string) error {
	return d.sup.RequestYield(id, requester)
}

func (d direct) Write(_ context.Context, id, window string, data []byte) error {
	return d.sup.Write(id, window, data)
}

func (d direct) Resize(_ context.Context, id string, cols, rows int) error {
	return d.sup.Resize(id, cols, rows)
}

func (d direct) Terminate(_ context.Context, id string) error { return d.sup.Terminate(id) }

func (d direct) History(_ context.Context, id string) ([]byte, error) { return d.sup.History(id) }

func (d direct) Subscribe(ctx context.Context) (<-chan Event, error) {
	subID, ch := d.sup.Subscribe()
	go func() {
		<-ctx.Done()
		d.sup.Unsubscribe(subID)
	}()
	return ch, nil
}
