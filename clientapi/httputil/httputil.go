// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

// MaxRequestBodySize caps the size of the JSON bodies accepted by the
// client handlers. Typing notifications and sliding sync requests are small.
const MaxRequestBodySize = 1 << 20

// UnmarshalJSONRequest reads the request body, which is consumed, and decodes it
// into v. A non-nil response should be returned to the client as-is.
func UnmarshalJSONRequest(req *http.Request, v any) *util.JSONResponse {
	body, err := io.ReadAll(io.LimitReader(req.Body, MaxRequestBodySize+1))
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("failed to read request body")
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if len(body) > MaxRequestBodySize {
		return &util.JSONResponse{
			Code: http.StatusRequestEntityTooLarge,
			JSON: spec.MatrixError{ErrCode: "M_TOO_LARGE", Err: "Request body is too large"},
		}
	}
	return UnmarshalJSON(body, v)
}

// UnmarshalJSON decodes body into v. Matrix requires UTF-8, which encoding/json
// does not enforce, so that is checked first.
func UnmarshalJSON(body []byte, v any) *util.JSONResponse {
	if !utf8.Valid(body) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("Request body is not valid UTF-8"),
		}
	}
	err := json.Unmarshal(body, v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("Field " + typeErr.Field + " has the wrong type, expected " + typeErr.Type.String()),
		}
	}
	return &util.JSONResponse{
		Code: http.StatusBadRequest,
		JSON: spec.NotJSON("Request body is not valid JSON: " + err.Error()),
	}
}
