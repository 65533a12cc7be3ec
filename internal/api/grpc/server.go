// Package grpcapi exposes recording sessions as a bidirectional gRPC stream:
// the client sends audio frames, the server sends session updates.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"speaker-transcription-service/internal/app"
	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/service/capture"
	"speaker-transcription-service/internal/service/session"
	"speaker-transcription-service/internal/service/stt"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "transcription.v1.TranscriptionService"
	// TranscribeMethod is the full method name of the bidi stream.
	TranscribeMethod = "/" + ServiceName + "/Transcribe"

	// Metadata keys read from the incoming stream.
	MetadataAPIKey   = "x-api-key"
	MetadataProvider = "x-stt-provider"
	// MetadataSessionID is sent back in the response header.
	MetadataSessionID = "x-session-id"

	// audioBuffer is how many client frames may queue ahead of the provider.
	audioBuffer = 16
	// terminalGrace bounds the wait for the closing update once a run ended.
	terminalGrace = 250 * time.Millisecond
)

// TranscriptionServer is the server API for the transcription service.
type TranscriptionServer interface {
	Transcribe(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranscriptionServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Transcribe",
			Handler:       transcribeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "transcription/v1/transcription.proto",
}

func transcribeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TranscriptionServer).Transcribe(stream)
}

// Server implements TranscriptionServer on top of the application's
// session registry.
type Server struct {
	app *app.Application
	log zerolog.Logger
}

// Register registers the transcription service on g.
func Register(g grpc.ServiceRegistrar, a *app.Application) *Server {
	s := &Server{
		app: a,
		log: logging.WithComponent("grpc"),
	}
	g.RegisterService(&serviceDesc, s)
	return s
}

// Transcribe runs one recording session for the lifetime of the stream.
// Each client message is a BytesValue carrying raw audio; closing the send
// side ends capture and lets the provider flush. Every session update is
// sent back as a Struct. The stream ends once the session is IDLE again, or
// with an error status if it failed.
func (s *Server) Transcribe(stream grpc.ServerStream) error {
	ctx := stream.Context()
	key, providerName := credentialsFromContext(ctx)

	src := capture.NewStream(audioBuffer)
	ctrl, err := s.app.NewSession(src, providerName)
	if err != nil {
		s.log.Warn().Err(err).Str("sttProvider", providerName).Msg("Rejecting transcription stream")
		return statusFromError(err)
	}
	defer s.app.EndSession(ctrl)

	logger := logging.WithSession(ctrl.ID(), ctrl.Provider())

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	if err := stream.SendHeader(metadata.Pairs(MetadataSessionID, ctrl.ID())); err != nil {
		return err
	}

	if err := ctrl.Start(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("Session failed to start")
		return statusFromError(err)
	}
	done := ctrl.Done()
	var grace <-chan time.Time

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- receiveAudio(ctx, stream, src)
	}()

	for {
		select {
		case u := <-updates:
			if err := sendUpdate(stream, u); err != nil {
				return err
			}
			if isTerminal(u) {
				return s.finish(ctrl)
			}

		case <-done:
			// The closing update is published just after the run ends.
			done = nil
			grace = time.After(terminalGrace)

		case <-grace:
			return s.finish(ctrl)

		case err := <-recvErr:
			recvErr = nil
			if err != nil {
				logger.Warn().Err(err).Msg("Audio stream broken")
				return status.FromContextError(err).Err()
			}

		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

func (s *Server) finish(ctrl *session.Controller) error {
	if ctrl.State() == session.StateErrored {
		return statusFromError(ctrl.Err())
	}
	return nil
}

// receiveAudio copies client frames into src until the client half-closes.
func receiveAudio(ctx context.Context, stream grpc.ServerStream, src *capture.Stream) error {
	defer src.End()
	for {
		frame := &wrapperspb.BytesValue{}
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := src.Push(ctx, frame.GetValue()); err != nil {
			if errors.Is(err, capture.ErrStreamClosed) {
				return nil
			}
			return err
		}
	}
}

func credentialsFromContext(ctx context.Context) (key, provider string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ""
	}
	if v := md.Get(MetadataAPIKey); len(v) > 0 {
		key = v[0]
	}
	if v := md.Get(MetadataProvider); len(v) > 0 {
		provider = v[0]
	}
	return key, provider
}

func isTerminal(u models.SessionUpdate) bool {
	return u.State == session.StateIdle.String() || u.State == session.StateErrored.String()
}

func sendUpdate(stream grpc.ServerStream, u models.SessionUpdate) error {
	msg, err := UpdateToStruct(u)
	if err != nil {
		return status.Errorf(codes.Internal, "encode update: %v", err)
	}
	return stream.SendMsg(msg)
}

// UpdateToStruct converts a session update to its wire form, using the same
// field names as the JSON encoding.
func UpdateToStruct(u models.SessionUpdate) (*structpb.Struct, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// statusFromError maps session, capture and provider errors to gRPC codes.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, session.ErrInvalidKeyFormat), errors.Is(err, app.ErrUnknownProvider):
		code = codes.InvalidArgument
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrStartInterrupted):
		code = codes.FailedPrecondition
	case errors.Is(err, capture.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, session.ErrLimitExceeded):
		code = codes.ResourceExhausted
	case errors.Is(err, stt.ErrTransport), errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, app.ErrShuttingDown):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
