// Package middleware provides reusable decorators for objective functions.
//
// Every decorator wraps an evaluation.ObjectiveFunc and exposes Evaluate
// with the same signature, so decorators stack:
//
//	objective := middleware.Chain(score,
//	    middleware.Timeout(middleware.DefaultTimeoutConfig()),
//	    middleware.Retry(middleware.DefaultRetryConfig()),
//	)
//
// The first middleware passed to Chain is the outermost.
package middleware

import (
	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
)

// Middleware decorates an objective function.
type Middleware func(evaluation.ObjectiveFunc) evaluation.ObjectiveFunc

// Chain applies middlewares to objective, the first one outermost.
func Chain(objective evaluation.ObjectiveFunc, middlewares ...Middleware) evaluation.ObjectiveFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		objective = middlewares[i](objective)
	}
	return objective
}
