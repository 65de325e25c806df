package serialmux

import (
	"context"
	"net/http"
)

// DisabledSerialMux stands in for the bridge when the drivetrain runs on
// the simulator. Commands are discarded and no lines arrive, but
// subscriber channels still close on Unsubscribe and Close so readers can
// shut down.
type DisabledSerialMux struct {
	subs *fanout
}

var _ SerialMuxInterface = (*DisabledSerialMux)(nil)

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: newFanout()}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) { return d.subs.add() }

func (d *DisabledSerialMux) Unsubscribe(id string) { d.subs.remove(id) }

func (d *DisabledSerialMux) SendCommand(string) error { return nil }

func (d *DisabledSerialMux) Initialize() error { return nil }

// Monitor blocks until ctx is done.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.subs.close()
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("serial disabled: running on the simulator\n"))
	})
}
