package virtio

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var ErrHostEntropy = errors.New("host entropy source")

// EntropySource fills buffers with random bytes.
type EntropySource interface {
	Fill(p []byte) error
}

// HostRandom reads from the kernel CSPRNG with getrandom(2).
type HostRandom struct{}

func (HostRandom) Fill(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Getrandom(p, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return fmt.Errorf("%w: getrandom: %w", ErrHostEntropy, err)
		}

		p = p[n:]
	}

	return nil
}
