package control

import "errors"

var errTest = errors.New("broker unreachable")
