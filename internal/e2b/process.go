package e2b

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

const (
	processStartProcedure = "/process.Process/Start"
	interpreter           = "python"
)

// workloadCommand runs an uploaded file from the home directory.
func workloadCommand(f File) string {
	return interpreter + " " + homeDir + "/" + f.Name
}

// run starts command through envd's process service and waits for it to
// exit. Messages travel as ProtoJSON, so the envd StartRequest and
// StartResponse shapes are built as structpb values.
func (e *envd) run(ctx context.Context, op lifecycle.Kind, id, command string) error {
	msg, err := structpb.NewStruct(map[string]any{
		"process": map[string]any{
			"cmd":  "/bin/bash",
			"args": []any{"-l", "-c", command},
		},
	})
	if err != nil {
		return fmt.Errorf("building process request: %w", err)
	}

	client := connect.NewClient[structpb.Struct, structpb.Struct](
		e.http, e.baseURL(id)+processStartProcedure, connect.WithProtoJSON(),
	)
	req := connect.NewRequest(msg)
	setUserHeader(req.Header(), envdUser)

	stream, err := client.CallServerStream(ctx, req)
	if err != nil {
		return processError(op, command, err)
	}
	defer stream.Close()

	var stderr []byte
	for stream.Receive() {
		event := stream.Msg().GetFields()["event"].GetStructValue()
		if data := event.GetFields()["data"].GetStructValue(); data != nil {
			if raw, err := base64.StdEncoding.DecodeString(data.GetFields()["stderr"].GetStringValue()); err == nil {
				stderr = append(stderr, raw...)
			}
		}
		end := event.GetFields()["end"].GetStructValue()
		if end == nil {
			continue
		}
		fields := end.GetFields()
		code := int(fields["exitCode"].GetNumberValue())
		if code != 0 || fields["error"].GetStringValue() != "" {
			return &lifecycle.ProtocolError{
				Op: op,
				Detail: fmt.Sprintf("%q exited %d (%s): %s", command, code,
					fields["status"].GetStringValue(), lifecycle.Truncate(stderr, maxErrorBody)),
			}
		}
		return nil
	}
	if err := stream.Err(); err != nil {
		return processError(op, command, err)
	}
	return &lifecycle.ProtocolError{Op: op, Detail: fmt.Sprintf("%q: stream closed before the process exited", command)}
}

func processError(op lifecycle.Kind, command string, err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) && ce.Code() != connect.CodeUnavailable && ce.Code() != connect.CodeDeadlineExceeded {
		return &lifecycle.ProtocolError{Op: op, Detail: fmt.Sprintf("%q: %v", command, err)}
	}
	return &lifecycle.TransportError{Op: op, Err: fmt.Errorf("process %q: %w", command, err)}
}

// setUserHeader authenticates as user with an empty password, the way
// envd expects process calls.
func setUserHeader(h http.Header, user string) {
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":")))
}
