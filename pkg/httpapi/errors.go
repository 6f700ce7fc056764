package httpapi

import (
	"errors"
	"net/http"

	"github.com/cuemby/certd/pkg/certerrors"
)

// statusForError maps a certerrors.Kind to its HTTP status. Errors that
// don't carry a *certerrors.Error are treated as internal.
func statusForError(err error) (int, *errBody) {
	var cerr *certerrors.Error
	if !errors.As(err, &cerr) {
		return http.StatusInternalServerError, &errBody{Kind: "Internal", Message: err.Error()}
	}

	status := http.StatusInternalServerError
	switch cerr.Kind {
	case certerrors.NotFound:
		status = http.StatusNotFound
	case certerrors.BadInput:
		status = http.StatusBadRequest
	case certerrors.Conflict:
		status = http.StatusConflict
	case certerrors.WrongPassphrase:
		status = http.StatusUnauthorized
	case certerrors.IOError, certerrors.CryptoError, certerrors.ConfigCorrupt, certerrors.DeployError:
		status = http.StatusInternalServerError
	}
	return status, &errBody{Kind: string(cerr.Kind), Message: cerr.Message, Detail: cerr.Detail}
}
