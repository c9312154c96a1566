package channel

// PushNoBlock offers t to ch, dropping it if the channel is full.
func PushNoBlock[T any](ch chan T, t T) bool {
	select {
	case ch <- t:
		return true
	default:
		return false
	}
}
