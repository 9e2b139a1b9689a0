package main

// watchResize is a no-op; Windows consoles do not deliver SIGWINCH.
func watchResize(fn func()) (stop func()) {
	return func() {}
}
