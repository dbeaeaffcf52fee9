package main

import "fmt"

// IRBuilder walks a parsed AST and produces the SSA Module the back end
// consumes. The AST reader only fixes the keyword vocabulary and the
// generic `{TAG LEFT RIGHT}` node shape, so every variable-length list
// this builder needs (function parameters, call arguments, out/in
// argument lists) is encoded the same way: a chain of PARAM-tagged
// wrapper nodes linked through Right, each holding its payload in Left.
// That keeps a binary-argument node (like ADD) from colliding with
// "next sibling" bookkeeping in its own Right field.
type IRBuilder struct {
	mod     *Module
	ng      *NameGenerator
	globals map[string]bool

	fn     *Function
	locals map[string]bool
	curBlk int
}

// BuildModule lowers ast into an SSA Module.
func BuildModule(ast *AST) (*Module, error) {
	b := &IRBuilder{
		mod:     NewModule(),
		ng:      NewNameGenerator(),
		globals: make(map[string]bool),
	}
	if err := b.visitTop(ast.Root); err != nil {
		return nil, err
	}
	return b.mod, nil
}

// visitTop walks the module-level AST looking for FUNC and top-level VAR
// declarations; every other node (chiefly the generic ST sequencer) just
// recurses into both children, mirroring the original front end's
// fallthrough traversal.
func (b *IRBuilder) visitTop(node *ASTNode) error {
	if node == nil {
		return nil
	}
	if node.Kind == NodeStatement {
		switch node.Statement {
		case StFunc:
			return b.buildFunc(node)
		case StVar:
			return b.buildGlobalVar(node)
		}
	}
	if err := b.visitTop(node.Left); err != nil {
		return err
	}
	return b.visitTop(node.Right)
}

func (b *IRBuilder) buildGlobalVar(node *ASTNode) error {
	if node.Left == nil || node.Left.Kind != NodeName {
		return corruptedInput("irbuilder.go", 0, "global declaration missing a name")
	}
	name := node.Left.Name
	if !b.globals[name] {
		b.globals[name] = true
		b.mod.Globals = append(b.mod.Globals, name)
	}
	return nil
}

// buildFunc lowers a FUNC node. Its header (Left) is a Name node: the
// function's own name, whose Left is the parameter chain and whose Right
// names the return type (VOID, or anything else for "double").
func (b *IRBuilder) buildFunc(node *ASTNode) error {
	header := node.Left
	if header == nil || header.Kind != NodeName {
		return corruptedInput("irbuilder.go", 0, "function header is not a name node")
	}

	params := collectParamNames(header.Left)
	returnsVal := true
	if header.Right != nil && header.Right.Kind == NodeStatement && header.Right.Statement == StVoid {
		returnsVal = false
	}

	savedFn, savedLocals, savedBlk := b.fn, b.locals, b.curBlk

	fn := &Function{Name: header.Name, Params: params, ReturnsVal: returnsVal}
	b.fn = fn
	b.locals = make(map[string]bool, len(params))
	for _, p := range params {
		b.locals[p] = true
	}

	b.newBlock(b.ng.NextBlock("entry"))
	if err := b.visitStmt(node.Right); err != nil {
		return err
	}
	b.ensureTerminator()

	b.mod.Functions = append(b.mod.Functions, *fn)
	b.fn, b.locals, b.curBlk = savedFn, savedLocals, savedBlk
	return nil
}

func collectParamNames(chain *ASTNode) []string {
	var names []string
	for n := chain; n != nil; n = n.Right {
		if n.Left != nil {
			names = append(names, n.Left.Name)
		}
	}
	return names
}

func (b *IRBuilder) newBlock(name string) int {
	b.fn.Blocks = append(b.fn.Blocks, BasicBlock{Name: name})
	b.curBlk = len(b.fn.Blocks) - 1
	return b.curBlk
}

func (b *IRBuilder) emit(in Instruction) {
	blk := &b.fn.Blocks[b.curBlk]
	blk.Instructions = append(blk.Instructions, in)
}

func (b *IRBuilder) terminated() bool {
	blk := &b.fn.Blocks[b.curBlk]
	if len(blk.Instructions) == 0 {
		return false
	}
	switch blk.Instructions[len(blk.Instructions)-1].Op {
	case OpRet, OpBrUncond, OpBrCond:
		return true
	}
	return false
}

func (b *IRBuilder) ensureTerminator() {
	if len(b.fn.Blocks) == 0 {
		b.newBlock(b.ng.NextBlock("entry"))
	}
	if b.terminated() {
		return
	}
	if b.fn.ReturnsVal {
		b.emit(Instruction{Op: OpRet, Operands: []Value{ConstValue(0)}})
	} else {
		b.emit(Instruction{Op: OpRet})
	}
}

// internString deduplicates identical string literals into a single
// rodata entry, keyed by a synthesized name.
func (b *IRBuilder) internString(s string) string {
	for name, v := range b.mod.Strings {
		if v == s {
			return name
		}
	}
	name := b.ng.NextValue("str")
	b.mod.Strings[name] = s
	return name
}

// visitStmt lowers a statement node for its side effects. A non-statement
// node reached here is a bare expression used as a statement (a CALL
// whose result is discarded).
func (b *IRBuilder) visitStmt(node *ASTNode) error {
	if node == nil {
		return nil
	}
	if node.Kind != NodeStatement {
		_, err := b.visitExpr(node)
		return err
	}

	switch node.Statement {
	case StIf:
		return b.buildIf(node)
	case StWhile:
		return b.buildWhile(node)
	case StVar:
		return b.buildLocalVar(node)
	case StEq:
		return b.buildAssign(node)
	case StRet:
		return b.buildRet(node)
	case StCall:
		_, err := b.visitExpr(node)
		return err
	case StOut:
		return b.buildOut(node)
	case StIn:
		return b.buildIn(node)
	}

	if err := b.visitStmt(node.Left); err != nil {
		return err
	}
	return b.visitStmt(node.Right)
}

func (b *IRBuilder) buildLocalVar(node *ASTNode) error {
	if node.Left == nil || node.Left.Kind != NodeName {
		return corruptedInput("irbuilder.go", 0, "local declaration missing a name")
	}
	name := node.Left.Name
	b.locals[name] = true

	init := ConstValue(0)
	if node.Right != nil {
		v, err := b.visitExpr(node.Right)
		if err != nil {
			return err
		}
		init = v
	}
	// a fresh binding, not an update to an existing slot: modeled as Load so
	// the name enters the Variable Analyzer's tables the same way a read
	// would.
	b.emit(Instruction{Op: OpLoad, Operands: []Value{init}, Result: name})
	return nil
}

func (b *IRBuilder) buildAssign(node *ASTNode) error {
	if node.Left == nil || node.Left.Kind != NodeName {
		return corruptedInput("irbuilder.go", 0, "assignment target is not a name")
	}
	name := node.Left.Name
	v, err := b.visitExpr(node.Right)
	if err != nil {
		return err
	}

	var target Value
	switch {
	case b.globals[name]:
		target = GlobalValue(name)
	case b.locals[name]:
		target = TempValue(name)
	default:
		return corruptedInput("irbuilder.go", 0, "assignment to undeclared name "+name)
	}
	b.emit(Instruction{Op: OpStore, Operands: []Value{target, v}})
	return nil
}

func (b *IRBuilder) buildRet(node *ASTNode) error {
	if node.Left == nil {
		b.emit(Instruction{Op: OpRet})
		return nil
	}
	v, err := b.visitExpr(node.Left)
	if err != nil {
		return err
	}
	b.emit(Instruction{Op: OpRet, Operands: []Value{v}})
	return nil
}

// buildOut lowers an OUT statement: one printString or printDouble call
// per argument, chosen by the argument's value kind.
func (b *IRBuilder) buildOut(node *ASTNode) error {
	for n := node.Left; n != nil; n = n.Right {
		v, err := b.visitExpr(n.Left)
		if err != nil {
			return err
		}
		callee := "printDouble"
		if v.Kind == ValueString {
			callee = "printString"
		}
		b.emit(Instruction{Op: OpCall, Callee: callee, Operands: []Value{v}})
	}
	return nil
}

// buildIn lowers an IN statement: one scanDouble call per target name,
// stored back into that name (global or local).
func (b *IRBuilder) buildIn(node *ASTNode) error {
	for n := node.Left; n != nil; n = n.Right {
		target := n.Left
		if target == nil || target.Kind != NodeName {
			return corruptedInput("irbuilder.go", 0, "in target is not a name")
		}
		res := b.ng.NextValue("t")
		b.emit(Instruction{Op: OpCall, Callee: "scanDouble", Result: res})

		var dst Value
		if b.globals[target.Name] {
			dst = GlobalValue(target.Name)
		} else {
			b.locals[target.Name] = true
			dst = TempValue(target.Name)
		}
		b.emit(Instruction{Op: OpStore, Operands: []Value{dst, TempValue(res)}})
	}
	return nil
}

// buildIf lowers an IF node. Its Right child is either the then-body
// directly, or an ELSE node whose Left/Right hold the then/else bodies.
func (b *IRBuilder) buildIf(node *ASTNode) error {
	cond, err := b.visitExpr(node.Left)
	if err != nil {
		return err
	}
	condTmp := b.ng.NextValue("t")
	b.emit(Instruction{Op: OpLoad, Operands: []Value{cond}, Result: condTmp})

	right := node.Right
	hasElse := right != nil && right.Kind == NodeStatement && right.Statement == StElse
	thenNode := right
	var elseNode *ASTNode
	if hasElse {
		thenNode = right.Left
		elseNode = right.Right
	}

	thenName := b.ng.NextBlock("then")
	mergeName := b.ng.NextBlock("merge")
	elseName := mergeName
	if hasElse {
		elseName = b.ng.NextBlock("else")
	}

	b.emit(Instruction{Op: OpBrCond, Operands: []Value{TempValue(condTmp)}, Targets: []string{thenName, elseName}})

	b.newBlock(thenName)
	if err := b.visitStmt(thenNode); err != nil {
		return err
	}
	if !b.terminated() {
		b.emit(Instruction{Op: OpBrUncond, Targets: []string{mergeName}})
	}

	if hasElse {
		b.newBlock(elseName)
		if err := b.visitStmt(elseNode); err != nil {
			return err
		}
		if !b.terminated() {
			b.emit(Instruction{Op: OpBrUncond, Targets: []string{mergeName}})
		}
	}

	b.newBlock(mergeName)
	return nil
}

// buildWhile lowers a WHILE node as a standard pre-test loop: condition
// block, body block, end block. (A historical copy of this front end
// evaluated the body before the condition on first entry, making "while"
// behave as "do-while"; this builder checks the condition first, matching
// ordinary while semantics and the language's own loop-sum test case.)
func (b *IRBuilder) buildWhile(node *ASTNode) error {
	condName := b.ng.NextBlock("cond")
	bodyName := b.ng.NextBlock("body")
	endName := b.ng.NextBlock("end")

	b.emit(Instruction{Op: OpBrUncond, Targets: []string{condName}})

	b.newBlock(condName)
	cond, err := b.visitExpr(node.Left)
	if err != nil {
		return err
	}
	condTmp := b.ng.NextValue("t")
	b.emit(Instruction{Op: OpLoad, Operands: []Value{cond}, Result: condTmp})
	b.emit(Instruction{Op: OpBrCond, Operands: []Value{TempValue(condTmp)}, Targets: []string{bodyName, endName}})

	b.newBlock(bodyName)
	if err := b.visitStmt(node.Right); err != nil {
		return err
	}
	if !b.terminated() {
		b.emit(Instruction{Op: OpBrUncond, Targets: []string{condName}})
	}

	b.newBlock(endName)
	return nil
}

// visitExpr lowers an expression node to the Value it evaluates to,
// emitting whatever instructions are needed into the current block.
func (b *IRBuilder) visitExpr(node *ASTNode) (Value, error) {
	if node == nil {
		return Value{}, invariantViolation("nil expression node")
	}

	switch node.Kind {
	case NodeNumber:
		return ConstValue(node.Number), nil
	case NodeString:
		return StringValue(b.internString(node.Str), node.Str), nil
	case NodeName:
		if b.locals[node.Name] {
			return TempValue(node.Name), nil
		}
		if b.globals[node.Name] {
			return GlobalValue(node.Name), nil
		}
		return Value{}, corruptedInput("irbuilder.go", 0, "undeclared name "+node.Name)
	}

	switch node.Statement {
	case StAdd:
		return b.binOp(node, OpFAdd)
	case StSub:
		if node.Right == nil {
			v, err := b.visitExpr(node.Left)
			if err != nil {
				return Value{}, err
			}
			res := b.ng.NextValue("t")
			b.emit(Instruction{Op: OpFSub, Operands: []Value{ConstValue(0), v}, Result: res})
			return TempValue(res), nil
		}
		return b.binOp(node, OpFSub)
	case StMul:
		return b.binOp(node, OpFMul)
	case StDiv:
		return b.binOp(node, OpFDiv)
	case StAnd:
		return b.binOp(node, OpLAnd)
	case StOr:
		return b.binOp(node, OpLOr)
	case StIsEE:
		return b.cmpOp(node, PredEQ)
	case StIsNE:
		return b.cmpOp(node, PredNE)
	case StIsBT:
		return b.cmpOp(node, PredLT)
	case StIsGT:
		return b.cmpOp(node, PredGT)
	case StPow:
		return b.callBinaryBuiltin(node, "pow")
	case StCos:
		return b.callUnaryBuiltin(node, "cos")
	case StSin:
		return b.callUnaryBuiltin(node, "sin")
	case StTan:
		return b.callUnaryBuiltin(node, "tan")
	case StSqrt:
		return b.callUnaryBuiltin(node, "sqrt")
	case StEndl:
		return StringValue(b.internString("\n"), "\n"), nil
	case StCall:
		return b.callExpr(node)
	case StMod:
		// MOD truncates toward zero in the original front end; this back
		// end has no integer-round-trip SSA opcode to express that, so it
		// is not supported as a lowerable construct.
		return Value{}, notImplemented("MOD expression")
	}
	return Value{}, invariantViolation(fmt.Sprintf("unexpected expression node %s", node.Statement))
}

func (b *IRBuilder) binOp(node *ASTNode, op Opcode) (Value, error) {
	lv, err := b.visitExpr(node.Left)
	if err != nil {
		return Value{}, err
	}
	rv, err := b.visitExpr(node.Right)
	if err != nil {
		return Value{}, err
	}
	res := b.ng.NextValue("t")
	b.emit(Instruction{Op: op, Operands: []Value{lv, rv}, Result: res})
	return TempValue(res), nil
}

func (b *IRBuilder) cmpOp(node *ASTNode, pred CmpPredicate) (Value, error) {
	lv, err := b.visitExpr(node.Left)
	if err != nil {
		return Value{}, err
	}
	rv, err := b.visitExpr(node.Right)
	if err != nil {
		return Value{}, err
	}
	res := b.ng.NextValue("t")
	b.emit(Instruction{Op: OpFCmp, Operands: []Value{lv, rv}, Result: res, Pred: pred})
	return TempValue(res), nil
}

func (b *IRBuilder) callUnaryBuiltin(node *ASTNode, name string) (Value, error) {
	v, err := b.visitExpr(node.Left)
	if err != nil {
		return Value{}, err
	}
	res := b.ng.NextValue("t")
	b.emit(Instruction{Op: OpCall, Callee: name, Operands: []Value{v}, Result: res})
	return TempValue(res), nil
}

func (b *IRBuilder) callBinaryBuiltin(node *ASTNode, name string) (Value, error) {
	lv, err := b.visitExpr(node.Left)
	if err != nil {
		return Value{}, err
	}
	rv, err := b.visitExpr(node.Right)
	if err != nil {
		return Value{}, err
	}
	res := b.ng.NextValue("t")
	b.emit(Instruction{Op: OpCall, Callee: name, Operands: []Value{lv, rv}, Result: res})
	return TempValue(res), nil
}

// callExpr lowers a CALL node: Left is the callee name, whose own Left is
// a PARAM chain of argument expressions.
func (b *IRBuilder) callExpr(node *ASTNode) (Value, error) {
	callee := node.Left
	if callee == nil || callee.Kind != NodeName {
		return Value{}, corruptedInput("irbuilder.go", 0, "call target is not a name")
	}
	var args []Value
	for n := callee.Left; n != nil; n = n.Right {
		v, err := b.visitExpr(n.Left)
		if err != nil {
			return Value{}, err
		}
		args = append(args, v)
	}
	res := b.ng.NextValue("t")
	b.emit(Instruction{Op: OpCall, Callee: callee.Name, Operands: args, Result: res})
	return TempValue(res), nil
}
