/*
 * Copyright 2025 The IntelliStream Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package condition compiles boolean filter expressions evaluated against
// tuple environments during store queries. Expressions use expr-lang syntax,
// e.g. `value > 10 && tags.region == "eu"`.
package condition

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Condition is a compiled boolean predicate over an evaluation environment.
type Condition interface {
	Evaluate(env interface{}) bool
}

// ExprCondition wraps a compiled expr program.
type ExprCondition struct {
	program *vm.Program
}

// NewExprCondition compiles an expression into a reusable predicate.
// Undefined variables are allowed so filters can reference optional tags and
// fields; missing references make the predicate false rather than erroring.
func NewExprCondition(expression string) (Condition, error) {
	options := []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	}
	program, err := expr.Compile(expression, options...)
	if err != nil {
		return nil, err
	}
	return &ExprCondition{program: program}, nil
}

// Evaluate runs the predicate against env. Evaluation errors count as a
// non-match.
func (ec *ExprCondition) Evaluate(env interface{}) bool {
	result, err := expr.Run(ec.program, env)
	if err != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}
