//go:build linux

package serial

import "golang.org/x/sys/unix"

// setSpeed stores the baud rate in both the speed fields and the CBAUD bits,
// which is what the TCSETS ioctl actually reads.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed
}
