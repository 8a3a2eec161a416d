package ot

// Engine abstracts the OT collaboration algorithm.
type Engine interface {
	// TransformIncoming transforms a client operation against every
	// operation accepted since its base version, given in version order.
	// The result applies to the current server state.
	TransformIncoming(op Operation, concurrent []Operation) Operation
}

// JupiterEngine implements the Jupiter OT algorithm.
// It sequentially transforms the incoming operation against each
// server operation the client hasn't seen.
type JupiterEngine struct{}

func (e *JupiterEngine) TransformIncoming(op Operation, concurrent []Operation) Operation {
	transformed := op
	for _, c := range concurrent {
		transformed = Transform(transformed, c)
	}
	return transformed
}
