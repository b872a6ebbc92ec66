package healthcheck

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// DialableChecker returns a Checker that tells whether a TCP address accepts
// connections within the timeout.
func DialableChecker(address string, timeout time.Duration) Checker {
	return func() (bool, string, error) {
		conn, err := net.DialTimeout("tcp", address, timeout)
		if err != nil {
			return false, fmt.Sprintf("%s not dialable: %s.", address, err), nil
		}
		_ = conn.Close()
		return true, fmt.Sprintf("%s is dialable.", address), nil
	}
}

// PortBindableChecker returns a Checker that tells whether a TCP port is free
// to listen on all interfaces.
func PortBindableChecker(port int) Checker {
	return func() (bool, string, error) {
		l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			return false, fmt.Sprintf("port %d cannot be bound: %s.", port, err), nil
		}
		_ = l.Close()
		return true, fmt.Sprintf("port %d is free.", port), nil
	}
}

// DirExistsChecker returns a Checker, a method which when executed will check whether a directory
// exists. A true value means the directory exists. A false value means it does not exist, or
// that the path does not point to a directory. Aside from ErrNotExist, which is the error we expect
// to handle, any file permission or I/O errors will be returned to the caller.
func DirExistsChecker(path string) Checker {
	return func() (bool, string, error) {
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return false, "directory does not exist. can recreate.", nil
			}
			return false, "filesystem error. cannot recreate.", err
		}
		if fi.IsDir() {
			return true, "directory already exists.", nil
		}
		return false, "expected directory. found regular file. please fix manually.", fmt.Errorf("not a directory")
	}
}

// DirExistsFixer returns a Fixer that creates the directory at path.
func DirExistsFixer(path string) Fixer {
	return func() (string, error) {
		if err := os.MkdirAll(path, os.ModePerm); err != nil {
			return "failed to create directory.", err
		}
		return "directory created.", nil
	}
}
