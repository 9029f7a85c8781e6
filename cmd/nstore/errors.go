package main

import "errors"

var (
	ErrDataDirRequired  = errors.New("data dir required")
	ErrUserRequired     = errors.New("user required")
	ErrBadUser          = errors.New("bad user id")
	ErrObjIDRequired    = errors.New("object id required")
	ErrMetaPathRequired = errors.New("meta path required")
	ErrBadVersion       = errors.New("version must be a positive integer")
)
