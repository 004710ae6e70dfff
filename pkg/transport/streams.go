package transport

import (
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/transport/wire"
)

// streamMetricsHandler implements StreamMetrics: the agent streams
// MetricsBatch frames until it closes its send side, and the
// coordinator replies once with a MetricsSummary.
func streamMetricsHandler(srv any, stream grpc.ServerStream) error {
	s, ok := srv.(*Server)
	if !ok {
		return status.Error(codes.Internal, "unexpected handler type")
	}
	start := time.Now()
	principal, _ := ContextPrincipal(stream.Context())
	summary := wire.MetricsSummary{}

	for {
		var batch wire.MetricsBatch
		if err := stream.RecvMsg(&batch); err != nil {
			if err == io.EOF {
				observeRPC("StreamMetrics", start, nil)
				return stream.SendMsg(&summary)
			}
			observeRPC("StreamMetrics", start, err)
			return err
		}
		summary.BatchesReceived++
		summary.MetricsReceived += len(batch.Metrics)
		if s.onMetrics != nil {
			s.onMetrics(principal.AgentID, batch)
		}
	}
}

// deployServiceHandler implements DeployService: the agent opens the
// stream with a DeployRequest naming the package it wants, the
// coordinator streams it back chunk by chunk, and the agent
// acknowledges each chunk with a Progress frame before the next is
// sent. This lockstep shape keeps a slow or unhealthy agent from
// forcing the coordinator to buffer unacknowledged chunks for it.
const deployChunkSize = 256 * 1024

func deployServiceHandler(srv any, stream grpc.ServerStream) error {
	s, ok := srv.(*Server)
	if !ok {
		return status.Error(codes.Internal, "unexpected handler type")
	}
	start := time.Now()
	logger := log.WithComponent("transport")

	var req wire.DeployRequest
	if err := stream.RecvMsg(&req); err != nil {
		observeRPC("DeployService", start, err)
		return err
	}
	if s.pkgSource == nil {
		err := status.Error(codes.FailedPrecondition, "no package source configured")
		observeRPC("DeployService", start, err)
		return err
	}

	data, sha256sum, err := s.pkgSource.Open(req.PackageRef)
	if err != nil {
		err = status.Errorf(codes.NotFound, "open package %s: %v", req.PackageRef, err)
		observeRPC("DeployService", start, err)
		return err
	}

	logger.Info().Str("server_id", req.ServerID).Str("service", req.ServiceName).
		Str("version", req.TargetVersion).Int("size", len(data)).Msg("deploy stream opened")

	total := int64(len(data))
	for offset := int64(0); offset < total || total == 0; offset += deployChunkSize {
		end := offset + deployChunkSize
		if end > total {
			end = total
		}
		chunk := wire.Chunk{Offset: offset, TotalSize: total, Bytes: data[offset:end], SHA256: sha256sum}
		if err := stream.SendMsg(&chunk); err != nil {
			observeRPC("DeployService", start, err)
			return err
		}

		var progress wire.Progress
		if err := stream.RecvMsg(&progress); err != nil {
			observeRPC("DeployService", start, err)
			return err
		}
		if progress.Status == "Failed" {
			err := status.Errorf(codes.Aborted, "agent reported failure: %s", progress.Message)
			observeRPC("DeployService", start, err)
			return err
		}
		if total == 0 || end == total {
			break
		}
	}

	observeRPC("DeployService", start, nil)
	return nil
}
