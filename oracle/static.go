package oracle

import "context"

// StaticVerifier reports a fixed verification result. Used in development
// environments where no fund-verification service is reachable.
type StaticVerifier struct {
	Verified bool
	Err      error
}

func (v StaticVerifier) Verify(_ context.Context, _ string) (bool, error) {
	if v.Err != nil {
		return false, v.Err
	}
	return v.Verified, nil
}

// StaticArbitrationOracle returns a fixed assessment for every request.
type StaticArbitrationOracle struct {
	Result Assessment
	Err    error
}

func (o StaticArbitrationOracle) Assess(_ context.Context, _ Request) (Assessment, error) {
	if o.Err != nil {
		return Assessment{}, o.Err
	}
	if o.Result.Verdict == "" {
		return Assessment{Verdict: VerdictApprove}, nil
	}
	return o.Result, nil
}
