package amd64

import (
	"testing"

	"github.com/tinyrange/jitx86/internal/asm/testutil"
)

func TestKitchenSinkDecodes(t *testing.T) {
	code, expect := buildKitchenSink(t, Features{POPCNT: true, BMI1: true})
	lines := testutil.DecodeX86(t, code)
	testutil.VerifyExpectations(t, lines, expect)
}

func TestKitchenSinkDisassemblyAMD64(t *testing.T) {
	code, expect := buildKitchenSink(t, Features{POPCNT: true, BMI1: true})
	lines := testutil.DisassembleWithObjdump(t, code)
	testutil.VerifyExpectations(t, lines, expect)
}

func TestVEXSinkDisassemblyAMD64(t *testing.T) {
	code, expect := buildVEXSink(t)
	lines := testutil.DisassembleWithObjdump(t, code)
	testutil.VerifyExpectations(t, lines, expect)
}

type sinkBuilder struct {
	t            *testing.T
	e            *Emitter
	expectations []testutil.Expectation
}

func newSinkBuilder(t *testing.T, feats Features) *sinkBuilder {
	return &sinkBuilder{t: t, e: NewEmitter(Config{Features: feats})}
}

func (b *sinkBuilder) add(name, mnemonic string, err error, contains ...string) {
	b.t.Helper()
	if err != nil {
		b.t.Fatalf("%s: %v", name, err)
	}
	b.expectations = append(b.expectations, testutil.Expectation{
		Name:     name,
		Mnemonic: mnemonic,
		Contains: contains,
	})
}

func (b *sinkBuilder) finish() ([]byte, []testutil.Expectation) {
	b.t.Helper()
	prog := mustFinish(b.t, b.e)
	if got, want := b.e.Stats().Elided, 0; got != want {
		b.t.Fatalf("elided=%d, want %d", got, want)
	}
	return prog.Bytes(), b.expectations
}

func buildKitchenSink(t *testing.T, feats Features) ([]byte, []testutil.Expectation) {
	b := newSinkBuilder(t, feats)
	e := b.e
	done := e.NewNamedLabel("done")

	b.add("mov_imm64", "", e.MovImmediate(A64, RAX, 0x1122334455667788), "rax,0x1122334455667788")
	b.add("mov_imm_sext", "mov", e.MovImmediate(A64, RCX, 0x1234), "rcx,0x1234")
	b.add("mov_reg", "mov", e.MovReg(A64, R9, R10), "r9,r10")
	b.add("mov_reg32", "mov", e.MovReg(A32, R11, RDX), "r11d,edx")
	b.add("mov_to_memory", "mov", e.MovToMemory(A64, Mem(RSP).WithDisp(0x28), RAX), "qword ptr [rsp+0x28],rax")
	b.add("mov_from_memory", "mov", e.MovFromMemory(A64, RBX, Mem(RSP).WithDisp(0x18)), "rbx,qword ptr [rsp+0x18]")
	b.add("mov_from_r13", "mov", e.MovFromMemory(A64, RDX, Mem(R13)), "rdx,qword ptr [r13")
	b.add("mov_indexed", "mov", e.MovFromMemory(A32, RSI, MemIndex(R12, R14, 8).WithDisp(-8)), "esi,dword ptr [r12+r14*8-0x8]")
	b.add("mov_byte_store", "mov", e.MovToMemory(A8, Mem(RDI).WithDisp(5), RSI), "byte ptr [rdi+0x5],sil")
	b.add("mov_word_store", "mov", e.MovToMemory(A16, Mem(RBP).WithDisp(-2), R8), "word ptr [rbp-0x2],r8w")
	b.add("mov_store_imm", "mov", e.InsMI(MOV, A32, Mem(RDX).WithDisp(0x40), ImmInt(0x7f)), "dword ptr [rdx+0x40],0x7f")
	b.add("movzx8", "movzx", e.MovZX8(A64, R12, Mem(RDI).WithDisp(0x10)), "r12,byte ptr [rdi+0x10]")
	b.add("movzx16", "movzx", e.MovZX16(A32, R13, Mem(RSI).WithDisp(0x14)), "r13d,word ptr [rsi+0x14]")
	b.add("movsxd", "movsxd", e.InsRR(MOVSXD, A64, RAX, RDI), "rax,edi")
	b.add("lea", "lea", e.LoadAddress(RAX, MemIndex(RDI, RDI, 1)), "[rdi+rdi*1]")
	b.add("lea_rip", "lea", e.LoadAddress(R8, Abs("table", 0)), "r8,", "[rip")

	b.add("add_reg_imm8", "add", e.AddRegImm(A64, RAX, 0x21), "rax,0x21")
	b.add("add_reg_imm32", "add", e.AddRegImm(A64, RBX, 0x1000), "rbx,0x1000")
	b.add("add_reg_reg", "add", e.AddRegReg(A64, R14, R15), "r14,r15")
	b.add("sub_reg_reg", "sub", e.SubRegReg(A32, R13, R12), "r13d,r12d")
	b.add("or_reg_reg", "or", e.InsRR(OR, A64, R11, R10), "r11,r10")
	b.add("and_reg_imm", "and", e.InsRI(AND, A64, RDI, ImmInt(0xff)), "rdi,0xff")
	b.add("xor_reg_reg", "xor", e.InsRR(XOR, A16, RBX, RCX), "bx,cx")
	b.add("adc_reg_mem", "adc", e.InsRM(ADC, A64, RDX, Mem(RAX).WithDisp(8)), "rdx,qword ptr [rax+0x8]")
	b.add("sbb_mem_reg", "sbb", e.InsMR(SBB, A32, Mem(RCX), RDX), "dword ptr [rcx],edx")
	b.add("cmp_reg_imm", "cmp", e.CmpRegImm(A64, R9, 0x44), "r9,0x44")
	b.add("cmp_reg_reg", "cmp", e.CmpRegReg(A64, R8, RCX), "r8,rcx")
	b.add("test_reg_reg", "test", e.TestRegReg(A8, RSI, RDI), "sil,dil")
	b.add("imul_reg_reg", "imul", e.ImulRegReg(A64, RAX, RCX), "rax,rcx")
	b.add("shl_reg_imm", "shl", e.ShlRegImm(A64, RCX, 3), "rcx,0x3")
	b.add("shr_reg_imm", "shr", e.ShrRegImm(A32, RDX, 2), "edx,0x2")
	b.add("sar_reg_cl", "sar", e.InsR(SAR, A64, RAX), "rax,cl")
	b.add("rol_reg_imm", "rol", e.InsRI(ROL, A64, R10, ImmInt(7)), "r10,0x7")
	b.add("inc_mem", "inc", e.InsM(INC, A64, Mem(RSP).WithDisp(8)), "qword ptr [rsp+0x8]")
	b.add("neg_reg", "neg", e.InsR(NEG, A64, R15), "r15")
	b.add("not_reg", "not", e.InsR(NOT, A32, RBX), "ebx")
	b.add("bswap", "bswap", e.InsR(BSWAP, A64, R9), "r9")
	b.add("popcnt", "popcnt", e.InsRR(POPCNT, A64, RAX, RDX), "rax,rdx")
	b.add("tzcnt", "tzcnt", e.InsRR(TZCNT, A32, RCX, RSI), "ecx,esi")
	b.add("cqo", "cqo", e.Ins(CQO, A64))
	b.add("idiv", "idiv", e.InsR(IDIV, A64, RCX), "rcx")
	b.add("mul_mem", "mul", e.InsM(MUL, A64, Mem(RDI)), "qword ptr [rdi]")
	b.add("xchg", "xchg", e.InsRR(XCHG, A64, RAX, RBX))
	b.add("cmov", "cmovl", e.InsRRCond(CMOV, CondL, A64, RAX, RBX), "rax,rbx")
	b.add("setcc", "sete", e.InsRCond(SET, CondE, A8, RAX), "al")
	b.add("push", "push", e.Push(R12), "r12")
	b.add("pop", "pop", e.Pop(R12), "r12")
	b.add("call_reg", "call", e.CallReg(R11, 0), "r11")
	b.add("call_mem", "call", e.Call(CallMem{Mem(RAX).WithDisp(0x10)}, 0), "[rax+0x10]")
	b.add("jne", "jne", e.JumpIfNotZero(done))
	b.add("jmp", "jmp", e.JumpAlways(done))

	b.add("movsd_load", "movsd", e.InsRM(MOVSD, A128, X1, Mem(RDI)), "xmm1,qword ptr [rdi]")
	b.add("movsd_store", "movsd", e.InsMR(MOVSD, A128, Mem(RSI).WithDisp(8), X9), "qword ptr [rsi+0x8],xmm9")
	b.add("movaps", "movaps", e.InsRR(MOVAPS, A128, X2, X3), "xmm2,xmm3")
	b.add("movdqu_load", "movdqu", e.InsRM(MOVDQU, A128, X0, Mem(RAX)), "xmm0,xmmword ptr [rax]")
	b.add("addsd", "addsd", e.InsRR(ADDSD, A128, X0, X1), "xmm0,xmm1")
	b.add("mulsd", "mulsd", e.InsRR(MULSD, A128, X8, X15), "xmm8,xmm15")
	b.add("sqrtsd", "sqrtsd", e.InsRR(SQRTSD, A128, X4, X5), "xmm4,xmm5")
	b.add("xorps", "xorps", e.InsRR(XORPS, A128, X6, X6), "xmm6,xmm6")
	b.add("pxor", "pxor", e.InsRR(PXOR, A128, X7, X12), "xmm7,xmm12")
	b.add("paddq", "paddq", e.InsRR(PADDQ, A128, X3, X4), "xmm3,xmm4")
	b.add("ucomisd", "ucomisd", e.InsRR(UCOMISD, A128, X0, X1), "xmm0,xmm1")
	b.add("cvtsi2sd", "cvtsi2sd", e.InsRR(CVTSI2SD, A64, X2, RAX), "xmm2,rax")
	b.add("cvttsd2si", "cvttsd2si", e.InsRR(CVTTSD2SI, A64, RCX, X3), "rcx,xmm3")
	b.add("movq_to_xmm", "movq", e.InsRR(MOVI2X, A64, X5, RDX), "xmm5,rdx")
	b.add("movd_from_xmm", "movd", e.InsRR(MOVX2I, A32, RAX, X6), "eax,xmm6")

	must(t, e.Bind(done))
	b.add("ud2", "ud2", e.Ins(UD2, 0))
	b.add("syscall", "syscall", e.Ins(SYSCALL, 0))
	b.add("ret", "ret", e.Ret())
	return b.finish()
}

func buildVEXSink(t *testing.T) ([]byte, []testutil.Expectation) {
	feats := AllFeatures()
	feats.PreferVEX = true
	b := newSinkBuilder(t, feats)
	e := b.e

	b.add("vmovsd_load", "vmovsd", e.InsRM(MOVSD, A128, X1, Mem(RDI)), "xmm1,qword ptr [rdi]")
	b.add("vaddsd", "vaddsd", e.InsRR(ADDSD, A128, X0, X9), "xmm0,xmm0,xmm9")
	b.add("vmovdqu_ymm", "vmovdqu", e.InsRM(VMOVDQU, A256, X3, Mem(RSI).WithDisp(0x20)), "ymm3,ymmword ptr [rsi+0x20]")
	b.add("vmovups_store", "vmovups", e.InsMR(VMOVUPS, A128, Mem(RAX), X12), "xmmword ptr [rax],xmm12")
	b.add("vaddps", "vaddps", e.InsRRR(VADDPS, A256, X0, X1, X2), "ymm0,ymm1,ymm2")
	b.add("vxorps", "vxorps", e.InsRRR(VXORPS, A128, X8, X9, X10), "xmm8,xmm9,xmm10")
	b.add("vpaddd", "vpaddd", e.InsRRR(VPADDD, A256, X4, X5, X13), "ymm4,ymm5,ymm13")
	b.add("vpshufb", "vpshufb", e.InsRRR(VPSHUFB, A128, X1, X2, X3), "xmm1,xmm2,xmm3")
	b.add("andn", "andn", e.InsRRR(ANDN, A64, RAX, RBX, RCX), "rax,rbx,rcx")
	b.add("shlx", "shlx", e.InsRRR(SHLX, A64, R8, R9, R10), "r8,r9,r10")
	b.add("sarx", "sarx", e.InsRRR(SARX, A32, RAX, RDX, RCX), "eax,edx,ecx")
	b.add("vzeroupper", "vzeroupper", e.Ins(VZEROUPPER, 0))
	b.add("ret", "ret", e.Ret())
	return b.finish()
}
