/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/suit-processor/internal/domain"
	"github.com/kentakayama/suit-processor/internal/domain/model"
	"github.com/kentakayama/suit-processor/internal/platform"
	"github.com/kentakayama/suit-processor/internal/processor"
	"github.com/kentakayama/suit-processor/internal/suit"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MiB should cover all test vectors.

	envelopeContentType = "application/suit-envelope+cose"
	cborContentType     = "application/cbor"

	// seconds until a suspended sequence is worth retrying
	retryAfter = "1"
)

type handler struct {
	// mu serializes every use of the processor, which is single threaded.
	mu     sync.Mutex
	proc   *processor.Processor
	device *platform.Device
	logger *log.Logger
}

type responseSpec struct {
	status      int
	body        []byte
	contentType string
	header      map[string]string
}

// metadataResponse is the CBOR body of /suit/metadata.
type metadataResponse struct {
	_              struct{} `cbor:",toarray"`
	ComponentID    cbor.RawMessage
	Digest         suit.Digest
	SequenceNumber uint32
}

func newHandler(proc *processor.Processor, device *platform.Device, logger *log.Logger) *handler {
	return &handler{
		proc:   proc,
		device: device,
		logger: logger,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/suit/process":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		h.processSequence(w, r)
	case "/suit/metadata":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		h.manifestMetadata(w, r)
	case "/suit/manifests":
		switch r.Method {
		case http.MethodPost:
			h.addManifest(w, r)
		case http.MethodGet:
			h.listManifests(w, r)
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// readEnvelope reads the request body as a SUIT envelope.
func (h *handler) readEnvelope(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Header.Get("Content-Type") != envelopeContentType {
		h.logger.Printf("content type mismatch: expected %s, actual %v", envelopeContentType, r.Header.Get("Content-Type"))
		http.Error(w, "This endpoint only accepts Content-Type: "+envelopeContentType, http.StatusUnsupportedMediaType)
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.logger.Printf("failed reading request body: %v", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	if err := r.Body.Close(); err != nil {
		h.logger.Printf("failed closing request body: %v", err)
		http.Error(w, "failed to close request body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (h *handler) processSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := suit.ParseSequence(r.URL.Query().Get("sequence"))
	if err != nil {
		h.logger.Printf("bad sequence: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	envelope, ok := h.readEnvelope(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	h.abortOtherRun(envelope, seq)
	err = h.proc.ProcessSequence(envelope, seq)
	report := h.proc.Report(err)
	h.mu.Unlock()

	if err != nil {
		h.logger.Printf("%s: %v", seq, err)
	}
	body, encErr := suit.EncodeReport(report)
	if encErr != nil {
		h.logger.Printf("failed to encode report: %v", encErr)
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}

	resp := responseSpec{
		status:      statusFor(err),
		body:        body,
		contentType: cborContentType,
	}
	if errors.Is(err, suit.ErrAgain) {
		resp.header = map[string]string{"Retry-After": retryAfter}
	}
	h.writeResponse(w, resp)
}

// abortOtherRun drops a suspended run unless the request resumes it; the
// caller holds h.mu.
func (h *handler) abortOtherRun(envelope []byte, seq suit.Sequence) {
	pending, pendingSeq, ok := h.proc.Suspended()
	if !ok || (pendingSeq == seq && bytes.Equal(pending, envelope)) {
		return
	}
	h.logger.Printf("abort suspended %s to run %s of another request", pendingSeq, seq)
	if err := h.proc.Init(); err != nil {
		h.logger.Printf("failed to reinitialize the processor: %v", err)
	}
}

func (h *handler) manifestMetadata(w http.ResponseWriter, r *http.Request) {
	envelope, ok := h.readEnvelope(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	meta, err := h.proc.GetManifestMetadata(envelope, true)
	h.mu.Unlock()
	if err != nil {
		h.logger.Printf("failed to get manifest metadata: %v", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	body, err := suit.Marshal(metadataResponse{
		ComponentID:    meta.ComponentID,
		Digest:         meta.Digest,
		SequenceNumber: meta.SequenceNumber,
	})
	if err != nil {
		h.logger.Printf("failed to encode metadata: %v", err)
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusOK, body: body, contentType: cborContentType})
}

// addManifest stores a dependency envelope once it authenticates.
func (h *handler) addManifest(w http.ResponseWriter, r *http.Request) {
	envelope, ok := h.readEnvelope(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	meta, err := h.proc.GetManifestMetadata(envelope, true)
	if err == nil {
		err = h.device.StoreEnvelope(envelope)
	}
	h.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict):
		h.logger.Printf("failed to store the envelope: %v", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		h.logger.Printf("failed to store the envelope: %v", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	h.logger.Printf("A manifest is registered: {Component: h'%x', Seq: %d}", meta.ComponentID, meta.SequenceNumber)
	h.writeResponse(w, responseSpec{
		status:      http.StatusOK,
		body:        []byte("OK"),
		contentType: "text/plain",
	})
}

func (h *handler) listManifests(w http.ResponseWriter, r *http.Request) {
	installed, err := h.device.Installed()
	if err != nil {
		h.logger.Printf("failed to list manifests: %v", err)
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	overviews := make([]model.SuitManifestOverview, 0, len(installed))
	for _, m := range installed {
		overviews = append(overviews, m.Overview())
	}
	body, err := suit.Marshal(overviews)
	if err != nil {
		h.logger.Printf("failed to encode manifests: %v", err)
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusOK, body: body, contentType: cborContentType})
}

// statusFor maps a processor result onto an HTTP status: malformed input is
// 400, input that is well formed but refused is 422.
func statusFor(err error) int {
	switch suit.Code(err) {
	case suit.CodeSuccess:
		return http.StatusOK
	case suit.CodeAgain:
		return http.StatusServiceUnavailable
	case suit.CodeDecoding, suit.CodeOrder, suit.CodeManifestValidation, suit.CodeOverflow,
		suit.CodeUnavailableCommandSeq:
		return http.StatusBadRequest
	case suit.CodeCrash:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *handler) writeResponse(w http.ResponseWriter, spec responseSpec) {
	w.Header().Set("Server", "Bar/2.2")
	for k, v := range spec.header {
		w.Header().Set(k, v)
	}

	if len(spec.body) > 0 {
		for k, v := range defaultHeaders {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", spec.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(spec.body)))
		w.WriteHeader(spec.status)
		if _, err := w.Write(spec.body); err != nil {
			h.logger.Printf("failed writing response body: %v", err)
		}
		return
	}

	w.WriteHeader(spec.status)
}

var defaultHeaders = map[string]string{
	"Cache-Control":           "no-store",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'",
	"Referrer-Policy":         "no-referrer",
}
