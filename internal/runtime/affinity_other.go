//go:build !linux

package runtime

import "errors"

func pinToCPU(int) error {
	return errors.New("cpu affinity is only supported on linux")
}
