//go:build !govips || !cgo

package pipeline

// Engine names the image backend compiled into this binary.
const Engine = "go"

// Startup is a no-op for the pure Go engine.
func Startup() error { return nil }

func Shutdown() {}

func newTransformer() (Transformer, error) {
	return goTransformer{}, nil
}
