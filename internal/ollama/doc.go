// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the Ollama inference server.
//
// It covers exactly what the gateway needs from the backend: a liveness probe
// against /api/version, a streaming /api/generate call decoded one NDJSON
// line at a time, and a Supervisor that starts `ollama serve` when the probe
// fails.
//
// # Key Types
//
//   - Client: HTTP client for the Ollama API
//   - StreamReader: incremental decoder for generate streams
//   - Supervisor: liveness probe plus bounded startup with a detached fallback
//   - ClientError: typed error; see IsBackendUnavailable and IsDecodeError
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url})
//	sup := ollama.NewSupervisor(client, ollama.DefaultSupervisorConfig(), logger)
//	ready, err := sup.EnsureStarted(ctx)
//
// Streaming a completion:
//
//	stream, err := client.GenerateStream(ctx, "deepseek-r1:latest", "user: hi")
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Content)
//	}
package ollama
