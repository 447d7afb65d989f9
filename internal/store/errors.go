package store

import "errors"

var (
	// ErrNoForecast is returned when an action needs a forecast and none is loaded.
	ErrNoForecast = errors.New("no forecast loaded")
	// ErrNotLoggedIn is returned by actions that are scoped to the current user.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrUnknownUpload is returned when no upload matches the given job id.
	ErrUnknownUpload = errors.New("unknown upload")
	// ErrUploadInProgress is returned when dismissing an upload that has not failed.
	ErrUploadInProgress = errors.New("upload still in progress")
)
