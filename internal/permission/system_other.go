//go:build !linux

package permission

// SystemRequester returns the platform requester. Outside Linux the
// Bluetooth stack prompts on first use, so there is nothing to ask up front.
func SystemRequester(string) Requester {
	return nil
}
