//go:build !linux && !darwin

package health

import "errors"

func diskUtilisation(string) (float64, error) {
	return 0, errors.New("disk utilisation unsupported on this platform")
}
