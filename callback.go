package wsmux

// Callback receives the outcome of an asynchronous operation. Exactly one of
// Succeeded or Failed is invoked per operation.
type Callback interface {
	Succeeded()
	Failed(err error)
}

type noopCallback struct{}

func (noopCallback) Succeeded()     {}
func (noopCallback) Failed(_ error) {}

var NoopCallback Callback = noopCallback{}

type funcCallback struct {
	onSuccess func()
	onFailure func(error)
}

func (callback *funcCallback) Succeeded() {
	if callback.onSuccess != nil {
		callback.onSuccess()
	}
}

func (callback *funcCallback) Failed(err error) {
	if callback.onFailure != nil {
		callback.onFailure(err)
	}
}

// NewCallback adapts a pair of functions to Callback, either may be nil.
func NewCallback(onSuccess func(), onFailure func(error)) Callback {
	return &funcCallback{onSuccess: onSuccess, onFailure: onFailure}
}

func callbackOrNoop(callback Callback) Callback {
	if callback == nil {
		return NoopCallback
	}
	return callback
}
