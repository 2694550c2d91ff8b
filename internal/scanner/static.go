package scanner

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"upload-gate/internal/model"
)

// Static returns the same verdict for every upload without reading it.
type Static struct {
	Verdict model.Verdict
}

func (s Static) Scan(_ context.Context, _ io.Reader) (model.Verdict, error) {
	return s.Verdict, nil
}

// eicarSignature is the standard anti-malware test file body.
var eicarSignature = []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)

// EICAR flags content that contains the EICAR test signature. It lets a
// deployment be exercised end to end without a real engine.
type EICAR struct{}

func (EICAR) Scan(ctx context.Context, r io.Reader) (model.Verdict, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	// Keep a tail of len(signature)-1 bytes so matches across reads are found.
	var window []byte
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return model.VerdictError, err
		}
		n, err := br.Read(buf)
		if n > 0 {
			window = append(window, buf[:n]...)
			if bytes.Contains(window, eicarSignature) {
				return model.VerdictMalware, nil
			}
			if keep := len(eicarSignature) - 1; len(window) > keep {
				window = append(window[:0], window[len(window)-keep:]...)
			}
		}
		if err == io.EOF {
			return model.VerdictSafe, nil
		}
		if err != nil {
			return model.VerdictError, err
		}
	}
}
