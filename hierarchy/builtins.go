package hierarchy

import "github.com/chazu/jverify/classfile"

const (
	public    = classfile.AccPublic
	protected = classfile.AccProtected
	static    = classfile.AccStatic
)

func class(name, super string, interfaces ...string) Class {
	return Class{Name: name, Super: super, Interfaces: interfaces}
}

func iface(name string, extends ...string) Class {
	return Class{Name: name, Super: "java/lang/Object", Interfaces: extends, IsInterface: true}
}

func withMethods(c Class, ms ...Member) Class {
	c.Methods = append(c.Methods, ms...)
	return c
}

func withFields(c Class, fs ...Member) Class {
	c.Fields = append(c.Fields, fs...)
	return c
}

func m(access uint16, name, desc string) Member {
	return Member{Name: name, Descriptor: desc, AccessFlags: access}
}

// publicInit is the no-argument and message constructors every built-in
// exception declares.
var publicInit = []Member{
	m(public, "<init>", "()V"),
	m(public, "<init>", "(Ljava/lang/String;)V"),
}

func exception(name, super string) Class {
	return withMethods(class(name, super), publicInit...)
}

// builtins are the classes every registry starts with.
var builtins = []Class{
	withMethods(class("java/lang/Object", ""),
		m(public, "<init>", "()V"),
		m(protected, "clone", "()Ljava/lang/Object;"),
		m(protected, "finalize", "()V"),
		m(public, "equals", "(Ljava/lang/Object;)Z"),
		m(public, "hashCode", "()I"),
		m(public, "toString", "()Ljava/lang/String;"),
		m(public, "getClass", "()Ljava/lang/Class;"),
	),

	iface("java/lang/Cloneable"),
	iface("java/io/Serializable"),
	iface("java/lang/Comparable"),
	iface("java/lang/CharSequence"),
	iface("java/lang/Runnable"),
	iface("java/lang/AutoCloseable"),
	iface("java/lang/Iterable"),

	withMethods(class("java/lang/String", "java/lang/Object",
		"java/io/Serializable", "java/lang/Comparable", "java/lang/CharSequence"),
		m(public, "<init>", "()V"),
		m(public, "length", "()I"),
		m(public, "charAt", "(I)C"),
		m(public|static, "valueOf", "(I)Ljava/lang/String;"),
		m(public|static, "valueOf", "(Ljava/lang/Object;)Ljava/lang/String;"),
	),
	withMethods(class("java/lang/StringBuilder", "java/lang/Object", "java/io/Serializable", "java/lang/CharSequence"),
		m(public, "<init>", "()V"),
		m(public, "append", "(Ljava/lang/String;)Ljava/lang/StringBuilder;"),
		m(public, "append", "(I)Ljava/lang/StringBuilder;"),
		m(public, "toString", "()Ljava/lang/String;"),
	),
	class("java/lang/Class", "java/lang/Object", "java/io/Serializable"),
	class("java/lang/Number", "java/lang/Object", "java/io/Serializable"),
	withMethods(class("java/lang/Integer", "java/lang/Number", "java/lang/Comparable"),
		m(public|static, "valueOf", "(I)Ljava/lang/Integer;"),
		m(public, "intValue", "()I"),
	),
	withMethods(class("java/lang/Long", "java/lang/Number", "java/lang/Comparable"),
		m(public|static, "valueOf", "(J)Ljava/lang/Long;"),
		m(public, "longValue", "()J"),
	),
	withFields(class("java/lang/System", "java/lang/Object"),
		m(public|static, "out", "Ljava/io/PrintStream;"),
		m(public|static, "err", "Ljava/io/PrintStream;"),
	),
	withMethods(class("java/io/PrintStream", "java/lang/Object", "java/lang/AutoCloseable"),
		m(public, "println", "()V"),
		m(public, "println", "(I)V"),
		m(public, "println", "(Ljava/lang/String;)V"),
		m(public, "println", "(Ljava/lang/Object;)V"),
	),
	class("java/lang/invoke/MethodHandle", "java/lang/Object"),
	class("java/lang/invoke/MethodType", "java/lang/Object", "java/io/Serializable"),

	withMethods(class("java/lang/Throwable", "java/lang/Object", "java/io/Serializable"),
		m(public, "<init>", "()V"),
		m(public, "<init>", "(Ljava/lang/String;)V"),
		m(public, "getMessage", "()Ljava/lang/String;"),
	),
	exception("java/lang/Exception", "java/lang/Throwable"),
	exception("java/lang/Error", "java/lang/Throwable"),
	exception("java/lang/RuntimeException", "java/lang/Exception"),
	exception("java/lang/IllegalArgumentException", "java/lang/RuntimeException"),
	exception("java/lang/IllegalStateException", "java/lang/RuntimeException"),
	exception("java/lang/NullPointerException", "java/lang/RuntimeException"),
	exception("java/lang/ArithmeticException", "java/lang/RuntimeException"),
	exception("java/lang/ClassCastException", "java/lang/RuntimeException"),
	exception("java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException"),
	exception("java/lang/ArrayIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException"),
	exception("java/lang/UnsupportedOperationException", "java/lang/RuntimeException"),
	exception("java/io/IOException", "java/lang/Exception"),
}
